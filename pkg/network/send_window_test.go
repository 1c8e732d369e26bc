package network

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAction(t *testing.T, i int) *qlink_protocol.Action {
	t.Helper()
	a, err := qlink_protocol.NewAction("DD", []byte(fmt.Sprintf("%d", i)))
	require.NoError(t, err)
	return a
}

// recorder 记录Drain发出的命令
type recorder struct {
	sent []qlink_protocol.Command
}

func (r *recorder) emit(cmd qlink_protocol.Command) error {
	r.sent = append(r.sent, cmd)
	return nil
}

func peerCommand(cmd qlink_protocol.Command, send, recv byte) qlink_protocol.Command {
	cmd.SetSendSequence(send)
	cmd.SetRecvSequence(recv)
	return cmd
}

func TestSendWindow_InitialState(t *testing.T) {
	w := NewSendWindow()
	snap := w.Snapshot()
	assert.Equal(t, constants.SeqDefault, snap.InSequence)
	assert.Equal(t, constants.SeqDefault, snap.OutSequence)
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, constants.DefaultWindowSize, snap.WindowSize)

	w2 := NewSendWindow(WithDefaultSequences(0x20, 0x30), WithWindowSize(4))
	assert.Equal(t, byte(0x20), w2.InSequence())
	assert.Equal(t, byte(0x30), w2.OutSequence())
	assert.Equal(t, 4, w2.Snapshot().WindowSize)
}

func TestSendWindow_StampAssignsSequences(t *testing.T) {
	w := NewSendWindow()

	a := newTestAction(t, 1)
	w.Stamp(a)
	assert.Equal(t, constants.SeqLow, a.SendSequence())
	assert.Equal(t, constants.SeqDefault, a.RecvSequence())
	assert.Equal(t, 1, w.InFlight())

	// 控制命令不占用序号
	ack := &qlink_protocol.Ack{}
	w.Stamp(ack)
	assert.Equal(t, constants.SeqLow, ack.SendSequence())
	assert.Equal(t, 1, w.InFlight())
}

func TestSendWindow_ValidateIncoming(t *testing.T) {
	w := NewSendWindow()

	first := peerCommand(newTestAction(t, 0), 0x10, constants.SeqDefault)
	assert.Equal(t, VerdictAccept, w.ValidateIncoming(first))
	w.OnValidated(first)
	assert.Equal(t, byte(0x10), w.InSequence())

	skipped := peerCommand(newTestAction(t, 1), 0x12, constants.SeqDefault)
	assert.Equal(t, VerdictSequenceError, w.ValidateIncoming(skipped))
	assert.Equal(t, byte(0x10), w.InSequence())

	// 控制命令不校验序号
	ping := peerCommand(&qlink_protocol.Ping{}, 0x55, constants.SeqDefault)
	assert.Equal(t, VerdictAccept, w.ValidateIncoming(ping))
}

func TestSendWindow_InOrderActionsAdvanceInSequence(t *testing.T) {
	w := NewSendWindow()
	seq := constants.SeqDefault
	for i := 0; i < 200; i++ {
		seq = qlink_protocol.IncSeq(seq)
		cmd := peerCommand(newTestAction(t, i), seq, constants.SeqDefault)
		require.Equal(t, VerdictAccept, w.ValidateIncoming(cmd), "i=%d", i)
		w.OnValidated(cmd)
		assert.Equal(t, seq, w.InSequence())
		assert.Equal(t, 0, w.ConsecutiveErrors())
	}
}

func TestSendWindow_WindowLimit(t *testing.T) {
	w := NewSendWindow()
	r := &recorder{}

	for i := 0; i < 20; i++ {
		w.Enqueue(newTestAction(t, i))
	}
	backlogged, err := w.Drain(r.emit)
	require.NoError(t, err)
	assert.True(t, backlogged)
	assert.Equal(t, 16, w.InFlight())
	assert.Equal(t, 4, w.Queued())
	require.Len(t, r.sent, 16)
	assert.Equal(t, byte(0x10), r.sent[0].SendSequence())
	assert.Equal(t, byte(0x1F), r.sent[15].SendSequence())
	assert.False(t, w.HasRoom())

	// 确认前5个（0x10..0x14）
	freed := w.FreeAcknowledged(0x14, false)
	assert.Equal(t, 5, freed)
	assert.Equal(t, 11, w.InFlight())
	assert.Equal(t, 4, w.Queued())

	backlogged, err = w.Drain(r.emit)
	require.NoError(t, err)
	assert.False(t, backlogged)
	assert.Equal(t, 15, w.InFlight())
	assert.Equal(t, 0, w.Queued())
	require.Len(t, r.sent, 20)
	assert.Equal(t, byte(0x23), r.sent[19].SendSequence())
}

func TestSendWindow_AckFreesPrefixOnly(t *testing.T) {
	w := NewSendWindow()
	r := &recorder{}
	for i := 0; i < 6; i++ {
		w.Enqueue(newTestAction(t, i))
	}
	_, err := w.Drain(r.emit)
	require.NoError(t, err)

	// 对未发送的序号之前的ack不释放任何命令
	assert.Equal(t, 0, w.FreeAcknowledged(constants.SeqDefault-0x70, false))
	assert.Equal(t, 6, w.InFlight())

	assert.Equal(t, 3, w.FreeAcknowledged(0x12, false))
	assert.Equal(t, 3, w.InFlight())
	assert.Equal(t, byte(0x13), w.queue[0].SendSequence())

	// 重复的ack不再释放
	assert.Equal(t, 0, w.FreeAcknowledged(0x12, false))
	assert.Equal(t, 3, w.InFlight())
}

func TestSendWindow_SentinelAckFreesEverything(t *testing.T) {
	w := NewSendWindow()
	r := &recorder{}
	for i := 0; i < 3; i++ {
		w.Enqueue(newTestAction(t, i))
	}
	_, err := w.Drain(r.emit)
	require.NoError(t, err)
	require.Equal(t, 3, w.InFlight())

	// 对端复位后回的ack是0x7F，没有命令的序号等于它，全部释放
	assert.Equal(t, 3, w.FreeAcknowledged(constants.SeqDefault, false))
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, 0, w.Queued())
}

func TestSendWindow_NeverExceedsWindow(t *testing.T) {
	w := NewSendWindow()
	r := &recorder{}
	for i := 0; i < 100; i++ {
		w.Enqueue(newTestAction(t, i))
		_, err := w.Drain(r.emit)
		require.NoError(t, err)
		require.LessOrEqual(t, w.InFlight(), constants.DefaultWindowSize)

		// 每三次确认一次最早的一半
		if i%3 == 0 && w.InFlight() > 0 {
			target := w.queue[(w.InFlight()-1)/2].SendSequence()
			w.FreeAcknowledged(target, false)
			_, err = w.Drain(r.emit)
			require.NoError(t, err)
			require.LessOrEqual(t, w.InFlight(), constants.DefaultWindowSize)
		}
	}
}

func TestSendWindow_SequenceErrorTriggersResend(t *testing.T) {
	w := NewSendWindow()
	r := &recorder{}
	for i := 0; i < 5; i++ {
		w.Enqueue(newTestAction(t, i))
	}
	_, err := w.Drain(r.emit)
	require.NoError(t, err)
	require.Len(t, r.sent, 5)

	// 对端收到了0x11，要求从0x12开始重传
	seqErr := peerCommand(&qlink_protocol.SequenceError{}, constants.SeqDefault, 0x11)
	require.Equal(t, VerdictAccept, w.ValidateIncoming(seqErr))
	freed := w.OnValidated(seqErr)
	assert.Equal(t, 2, freed)
	assert.Equal(t, byte(0x11), w.OutSequence())
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, 3, w.Queued())

	r.sent = nil
	_, err = w.Drain(r.emit)
	require.NoError(t, err)
	require.Len(t, r.sent, 3)
	assert.Equal(t, byte(0x12), r.sent[0].SendSequence())
	assert.Equal(t, byte(0x14), r.sent[2].SendSequence())
}

func TestSendWindow_Reset(t *testing.T) {
	w := NewSendWindow()
	r := &recorder{}
	for i := 0; i < 20; i++ {
		w.Enqueue(newTestAction(t, i))
	}
	_, err := w.Drain(r.emit)
	require.NoError(t, err)
	w.RecordError()
	old := w.queue
	require.Len(t, old, 20)

	w.Reset()
	// 复位后底层数组不再引用被丢弃的命令
	for i, a := range old {
		assert.Nil(t, a, "queue[%d]", i)
	}
	snap := w.Snapshot()
	assert.Equal(t, constants.SeqDefault, snap.InSequence)
	assert.Equal(t, constants.SeqDefault, snap.OutSequence)
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, 0, snap.ConsecutiveErrors)
}

func TestSendWindow_RecordError(t *testing.T) {
	w := NewSendWindow(WithMaxErrors(3))
	assert.False(t, w.RecordError())
	assert.False(t, w.RecordError())
	assert.True(t, w.RecordError())

	// 有效命令清零错误计数
	w.OnValidated(peerCommand(&qlink_protocol.Ack{}, constants.SeqDefault, constants.SeqDefault))
	assert.Equal(t, 0, w.ConsecutiveErrors())
}

func TestSendWindow_DrainStopsOnError(t *testing.T) {
	w := NewSendWindow()
	for i := 0; i < 3; i++ {
		w.Enqueue(newTestAction(t, i))
	}
	boom := errors.New("broken pipe")
	calls := 0
	_, err := w.Drain(func(qlink_protocol.Command) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
