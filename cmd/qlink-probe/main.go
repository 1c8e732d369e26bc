// qlink-probe Q-Link链路调试客户端：复位链路、发送Action、解码抓包数据
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
}

func main() {
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "qlink-probe",
		Short:         "Q-Link链路调试客户端",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				pterm.DefaultLogger.Level = pterm.LogLevelDebug
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "输出调试信息")

	rootCmd.AddCommand(
		resetCmd(),
		sendCmd(),
		decodeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
