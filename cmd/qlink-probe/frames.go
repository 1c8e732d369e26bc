package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/pterm/pterm"
)

// frameRow 一帧的可读描述
type frameRow struct {
	Direction string
	Command   string
	Send      string
	Recv      string
	Detail    string
}

func (r frameRow) cells() []string {
	return []string{r.Direction, r.Command, r.Send, r.Recv, r.Detail}
}

var tableHeader = []string{"方向", "命令", "发送序号", "接收序号", "内容"}

// describe 解码并描述一帧（不含0x0D）
func describe(direction string, body []byte, factory *qlink_protocol.Factory) (frameRow, error) {
	row := frameRow{Direction: direction}
	cmd, err := factory.Decode(body)
	if err != nil {
		return row, err
	}
	if cmd == nil {
		row.Command = "Unknown"
		if len(body) > constants.CommandPos {
			row.Command = qlink_protocol.KindName(body[constants.CommandPos])
		}
		row.Detail = strings.TrimSpace(hex.EncodeToString(body))
		return row, nil
	}
	return describeCommand(direction, cmd), nil
}

func describeCommand(direction string, cmd qlink_protocol.Command) frameRow {
	row := frameRow{
		Direction: direction,
		Command:   cmd.Name(),
		Send:      fmt.Sprintf("0x%02X", cmd.SendSequence()),
		Recv:      fmt.Sprintf("0x%02X", cmd.RecvSequence()),
	}
	switch c := cmd.(type) {
	case *qlink_protocol.Action:
		row.Detail = printable(c.Data)
		if c.IsTunnel() {
			row.Detail = "[tunnel] " + row.Detail
		}
	case *qlink_protocol.Reset:
		row.Detail = fmt.Sprintf("version=%d release=%d superQ=%v", c.Version, c.Release, c.SuperQ)
	}
	return row
}

// printable 不可打印字节用.代替
func printable(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		if c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// parseHexFrames 解析抓包的十六进制文本，允许空格和0x0D分隔多帧
func parseHexFrames(text string) ([][]byte, error) {
	clean := strings.NewReplacer(" ", "", "\n", "", "\t", "", ":", "").Replace(text)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("十六进制格式错误: %w", err)
	}
	var frames [][]byte
	start := 0
	for i, b := range raw {
		if b == constants.FrameEnd {
			frames = append(frames, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		frames = append(frames, raw[start:])
	}
	return frames, nil
}

func printRows(rows []frameRow) error {
	data := pterm.TableData{tableHeader}
	for _, r := range rows {
		data = append(data, r.cells())
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
