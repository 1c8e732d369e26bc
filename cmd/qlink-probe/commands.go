package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/heartbeat"
	"github.com/bujia-iot/qlink-gateway/pkg/protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:5190"

type resetOptions struct {
	addr    string
	version int
	release int
	timeout time.Duration
}

func (o *resetOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.addr, "addr", "a", defaultAddr, "网关地址")
	cmd.Flags().IntVar(&o.version, "client-version", 1, "Reset中的客户端版本")
	cmd.Flags().IntVar(&o.release, "client-release", 0, "Reset中的客户端发行号")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 5*time.Second, "等待ResetAck的超时")
}

func resetCmd() *cobra.Command {
	var opts resetOptions
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "连接网关并复位链路",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, rows, _, err := dialAndReset(opts)
			if err != nil {
				return err
			}
			defer nc.Close()
			pterm.Success.Printf("链路已复位 %s\n", opts.addr)
			return printRows(rows)
		},
	}
	opts.bind(cmd)
	return cmd
}

// dialAndReset 连接并完成Reset/ResetAck握手，返回握手后多读到的数据
func dialAndReset(opts resetOptions) (net.Conn, []frameRow, []byte, error) {
	nc, err := net.DialTimeout("tcp", opts.addr, opts.timeout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("连接 %s 失败: %w", opts.addr, err)
	}

	reset := &qlink_protocol.Reset{Version: opts.version, Release: opts.release}
	reset.SetSendSequence(constants.SeqDefault)
	reset.SetRecvSequence(constants.SeqDefault)
	if _, err := nc.Write(protocol.EncodeFrame(reset.Bytes())); err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("发送Reset失败: %w", err)
	}
	rows := []frameRow{describeCommand("→", reset)}

	factory := qlink_protocol.NewFactory()
	deadline := time.Now().Add(opts.timeout)
	_ = nc.SetReadDeadline(deadline)
	defer nc.SetReadDeadline(time.Time{})

	var pending []byte
	buf := make([]byte, constants.DefaultReadBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			frames, consumed := protocol.SplitFrames(pending)
			for i, f := range frames {
				row, derr := describe("←", f, factory)
				if derr != nil {
					pterm.Warning.Println(derr.Error())
					continue
				}
				rows = append(rows, row)
				if len(f) > constants.CommandPos && f[constants.CommandPos] == constants.CmdResetAck {
					// ResetAck之后的帧交给链路处理
					var rest []byte
					for _, later := range frames[i+1:] {
						rest = append(rest, protocol.EncodeFrame(later)...)
					}
					rest = append(rest, pending[consumed:]...)
					return nc, rows, rest, nil
				}
			}
			pending = pending[consumed:]
		}
		if err != nil {
			nc.Close()
			return nil, rows, nil, fmt.Errorf("等待ResetAck失败: %w", err)
		}
	}
}

func sendCmd() *cobra.Command {
	var (
		reset    resetOptions
		mnemonic string
		data     string
		count    int
		wait     time.Duration
		user     string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "复位链路后发送Action并打印收到的数据",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return errors.New("count必须大于0")
			}
			if _, err := qlink_protocol.NewAction(mnemonic, []byte(data)); err != nil {
				return err
			}
			return runSend(cmd.Context(), reset, mnemonic, data, count, wait, user)
		},
	}
	reset.bind(cmd)
	cmd.Flags().StringVarP(&mnemonic, "mnemonic", "m", "DD", "两字节助记符")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Action数据")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "发送次数")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 3*time.Second, "发送后等待应答的时间")
	cmd.Flags().StringVar(&user, "user", "", "本地链路的用户名（仅用于显示）")
	return cmd
}

func runSend(ctx context.Context, opts resetOptions, mnemonic, data string, count int, wait time.Duration, user string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if pterm.DefaultLogger.Level != pterm.LogLevelDebug {
		logger.GetLogger().SetLevel(logrus.WarnLevel)
	}

	nc, rows, rest, err := dialAndReset(opts)
	if err != nil {
		return err
	}
	if err := printRows(rows); err != nil {
		return err
	}

	link := session.NewConnection(nc,
		session.WithUserName(user),
		session.WithTimerConfig(heartbeat.TimerConfig{
			PingInterval:      heartbeat.DefaultTimerConfig().PingInterval,
			KeepaliveInterval: time.Hour,
			KeepaliveEnabled:  false,
			SuspendTimeout:    time.Hour,
		}),
	)
	var received atomic.Int64
	link.AddListener(&session.ListenerFuncs{
		Action: func(_ *session.Connection, cmd qlink_protocol.Command) {
			if !qlink_protocol.IsAction(cmd) {
				pterm.Warning.Println("网关断开了链路")
				return
			}
			received.Add(1)
			r := describeCommand("←", cmd)
			pterm.DefaultLogger.Info(strings.Join(r.cells(), "  "))
		},
	})
	if len(rest) > 0 {
		link.Feed(rest)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = link.Serve(serveCtx) }()

	for i := 0; i < count; i++ {
		a, _ := qlink_protocol.NewAction(mnemonic, []byte(data))
		if err := link.Send(a); err != nil {
			return fmt.Errorf("发送第%d个Action失败: %w", i+1, err)
		}
		pterm.DefaultLogger.Debug(strings.Join(describeCommand("→", a).cells(), "  "))
	}

	select {
	case <-time.After(wait):
	case <-link.Done():
	case <-ctx.Done():
	}

	w := link.Window()
	pterm.Info.Printf("已发送 %d 个Action，收到 %d 个；窗口 in=0x%02X out=0x%02X 在途=%d 排队=%d\n",
		count, received.Load(), w.InSequence, w.OutSequence, w.InFlight, w.Queued)
	link.Close()
	return nil
}

func decodeCmd() *cobra.Command {
	var lenient bool
	cmd := &cobra.Command{
		Use:   "decode <hex>...",
		Short: "解码十六进制表示的Q-Link帧",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := parseHexFrames(strings.Join(args, " "))
			if err != nil {
				return err
			}
			policy := qlink_protocol.CRCStrict
			if lenient {
				policy = qlink_protocol.CRCLenient
			}
			factory := qlink_protocol.NewFactory(qlink_protocol.WithCRCPolicy(policy))

			var rows []frameRow
			for _, f := range frames {
				row, err := describe("", f, factory)
				if err != nil {
					row = frameRow{Command: "CRC错误", Detail: err.Error()}
				}
				rows = append(rows, row)
			}
			return printRows(rows)
		},
	}
	cmd.Flags().BoolVar(&lenient, "lenient", false, "忽略CRC错误")
	return cmd
}
