package lockbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestSender(t *testing.T, transport Transport) *Sender {
	t.Helper()

	handler := newTestHandler(t, transport, testConfig())
	sender, err := NewSender(handler)
	assert.NoError(t, err)

	return sender
}

func TestNewSender_RequiresHandler(t *testing.T) {
	t.Parallel()

	_, err := NewSender(nil)

	assert.Error(t, err)
}

func TestSender_SendPublishesMessage(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	var sent Message
	transport.sendFn = func(ctx context.Context, msg Message) error {
		sent = msg
		return nil
	}

	sender := newTestSender(t, transport)

	err := sender.Send(context.Background(), Message{
		ID:   "msg-1",
		Body: []byte(`{"order":42}`),
	})

	assert.NoError(t, err)
	assert.Equal(t, "msg-1", sent.ID)
	assert.Equal(t, 1, transport.calls("send"))
}

func TestSender_SendBatchPreservesOrder(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	var ids []string
	transport.sendFn = func(ctx context.Context, msg Message) error {
		ids = append(ids, msg.ID)
		return nil
	}

	sender := newTestSender(t, transport)

	err := sender.SendBatch(context.Background(), []Message{
		{ID: "first"},
		{ID: "second"},
		{ID: "third"},
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, ids)
}

func TestSender_SendAfterCloseFails(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sender := newTestSender(t, transport)

	assert.NoError(t, sender.Close(context.Background()))
	assert.False(t, sender.IsRunning())

	err := sender.Send(context.Background(), Message{ID: "late"})

	assert.ErrorIs(t, err, ErrHandlerNotRunning)
	assert.Equal(t, 0, transport.calls("send"))
}

func TestSender_ScheduleMessagesReturnsSequenceNumbers(t *testing.T) {
	t.Parallel()

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	transport := newFakeTransport()
	transport.mgmtFn = func(ctx context.Context, operation string, fields map[string]any) (MgmtResponse, error) {
		return MgmtResponse{
			StatusCode: 200,
			Fields:     map[string]any{fieldSequenceNumbers: []int64{101, 102}},
		}, nil
	}

	sender := newTestSender(t, transport)

	sequenceNumbers, err := sender.ScheduleMessages(context.Background(), at, []Message{
		{ID: "a"},
		{ID: "b"},
	})

	assert.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, sequenceNumbers)

	assert.Equal(t, []string{OpScheduleMessage}, transport.mgmtOperations())
	fields := transport.mgmtFields(0)
	assert.Equal(t, at, fields[fieldScheduledAt])
	assert.Len(t, fields[fieldMessages], 2)
}

func TestSender_ScheduleMessagesWithoutMessagesIsANoOp(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sender := newTestSender(t, transport)

	sequenceNumbers, err := sender.ScheduleMessages(context.Background(), time.Now(), nil)

	assert.NoError(t, err)
	assert.Nil(t, sequenceNumbers)
	assert.Equal(t, 0, transport.calls("mgmt"))
}

func TestSender_CancelScheduledMessages(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sender := newTestSender(t, transport)

	err := sender.CancelScheduledMessages(context.Background(), []int64{101})

	assert.NoError(t, err)
	assert.Equal(t, []string{OpCancelScheduled}, transport.mgmtOperations())
	assert.Equal(t, []int64{101}, transport.mgmtFields(0)[fieldSequenceNumbers])
}

func TestSender_CancelScheduledMessagesWithoutNumbersIsANoOp(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sender := newTestSender(t, transport)

	assert.NoError(t, sender.CancelScheduledMessages(context.Background(), nil))
	assert.Equal(t, 0, transport.calls("mgmt"))
}
