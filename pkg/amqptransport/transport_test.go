package amqptransport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/architeacher/lockbus/pkg/lockbus"
)

func testConfig() lockbus.Config {
	return lockbus.Config{
		Scheme:     "amqp",
		Host:       "localhost",
		Port:       5672,
		EntityPath: "orders",
	}
}

func newTestTransport(channel amqpChannel) *Transport {
	return &Transport{
		cfg:          testConfig(),
		channel:      channel,
		deliveryTags: make(map[uuid.UUID]uint64),
	}
}

func TestNew_RequiresHost(t *testing.T) {
	t.Parallel()

	_, err := New(lockbus.Config{})

	assert.Error(t, err)
}

func TestTransport_SendPublishesToEntity(t *testing.T) {
	t.Parallel()

	mockChannel := &MockamqpChannel{}
	mockChannel.On("IsClosed").Return(false)
	mockChannel.On("PublishWithContext", "", "orders", false, false, mock.AnythingOfType("amqp091.Publishing")).Return(nil)

	transport := newTestTransport(mockChannel)

	err := transport.Send(context.Background(), lockbus.Message{
		ID:        "msg-1",
		SessionID: "session-1",
		Body:      []byte(`{"order":42}`),
	})

	assert.NoError(t, err)

	publishing := mockChannel.Calls[len(mockChannel.Calls)-1].Arguments.Get(4).(amqp.Publishing)
	assert.Equal(t, "msg-1", publishing.MessageId)
	assert.Equal(t, []byte(`{"order":42}`), publishing.Body)
	assert.Equal(t, "session-1", publishing.Headers["session-id"])
	assert.Equal(t, uint8(amqp.Persistent), publishing.DeliveryMode)
}

func TestTransport_SendOnClosedChannelFails(t *testing.T) {
	t.Parallel()

	mockChannel := &MockamqpChannel{}
	mockChannel.On("IsClosed").Return(true)

	transport := newTestTransport(mockChannel)

	err := transport.Send(context.Background(), lockbus.Message{ID: "msg-1"})

	var terr *lockbus.TransportError
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, lockbus.CondConnectionForced, terr.Condition)
}

func TestTransport_ReceiveCollectsWithinWindow(t *testing.T) {
	t.Parallel()

	token := uuid.New()
	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)

	inbound := make(chan amqp.Delivery, 2)
	inbound <- amqp.Delivery{
		MessageId:   "msg-1",
		Body:        []byte("one"),
		DeliveryTag: 11,
		Headers: amqp.Table{
			headerLockToken:      token.String(),
			headerLockedUntil:    until.Format(time.RFC3339),
			headerSequenceNumber: int64(7),
			headerDeliveryCount:  int32(2),
			"session-id":         "session-1",
		},
	}

	transport := newTestTransport(&MockamqpChannel{})
	transport.inbound = inbound

	deliveries, err := transport.Receive(context.Background(), 1, 50*time.Millisecond)

	assert.NoError(t, err)
	assert.Len(t, deliveries, 1)
	assert.Equal(t, "msg-1", deliveries[0].Message.ID)
	assert.Equal(t, "session-1", deliveries[0].Message.SessionID)
	assert.Equal(t, token, deliveries[0].LockToken)
	assert.Equal(t, int64(7), deliveries[0].SequenceNumber)
	assert.Equal(t, 2, deliveries[0].DeliveryCount)
	assert.Equal(t, until, deliveries[0].LockedUntil.UTC())
}

func TestTransport_ReceiveEmptyWindowIsQuiet(t *testing.T) {
	t.Parallel()

	transport := newTestTransport(&MockamqpChannel{})
	transport.inbound = make(chan amqp.Delivery)

	deliveries, err := transport.Receive(context.Background(), 5, 10*time.Millisecond)

	assert.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestTransport_ReceiveOnClosedDeliveryChannel(t *testing.T) {
	t.Parallel()

	inbound := make(chan amqp.Delivery)
	close(inbound)

	transport := newTestTransport(&MockamqpChannel{})
	transport.inbound = inbound

	_, err := transport.Receive(context.Background(), 1, 50*time.Millisecond)

	var terr *lockbus.TransportError
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, lockbus.CondLinkDetachForced, terr.Condition)
}

func TestTransport_SettleOnLinkDispositions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		disposition lockbus.Disposition
		method      string
		args        []any
	}{
		{"complete acks", lockbus.DispositionComplete, "Ack", []any{uint64(11), false}},
		{"abandon requeues", lockbus.DispositionAbandon, "Nack", []any{uint64(11), false, true}},
		{"defer rejects", lockbus.DispositionDefer, "Reject", []any{uint64(11), false}},
		{"dead letter rejects", lockbus.DispositionDeadLetter, "Reject", []any{uint64(11), false}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			token := uuid.New()
			mockChannel := &MockamqpChannel{}
			mockChannel.On("IsClosed").Return(false)
			mockChannel.On(tt.method, tt.args...).Return(nil)

			transport := newTestTransport(mockChannel)
			transport.deliveryTags[token] = 11

			err := transport.SettleOnLink(context.Background(), token, tt.disposition, "", "")

			assert.NoError(t, err)
			mockChannel.AssertExpectations(t)

			// The tag is single-use.
			err = transport.SettleOnLink(context.Background(), token, tt.disposition, "", "")
			assert.ErrorIs(t, err, lockbus.ErrLinkDetached)
		})
	}
}

func TestTransport_SettleOnLinkUnknownTokenIsDetached(t *testing.T) {
	t.Parallel()

	mockChannel := &MockamqpChannel{}
	mockChannel.On("IsClosed").Return(false)

	transport := newTestTransport(mockChannel)

	err := transport.SettleOnLink(context.Background(), uuid.New(), lockbus.DispositionComplete, "", "")

	assert.ErrorIs(t, err, lockbus.ErrLinkDetached)
}

func TestTransport_MgmtRoundTrip(t *testing.T) {
	t.Parallel()

	replies := make(chan amqp.Delivery, 1)

	mockChannel := &MockamqpChannel{}
	mockChannel.On("IsClosed").Return(false)
	mockChannel.On("PublishWithContext", "", "orders"+managementSuffix, false, false, mock.AnythingOfType("amqp091.Publishing")).
		Run(func(args mock.Arguments) {
			publishing := args.Get(4).(amqp.Publishing)

			var fields map[string]any
			assert.NoError(t, json.Unmarshal(publishing.Body, &fields))
			assert.Equal(t, "session-1", fields["session-id"])

			body, err := json.Marshal(mgmtResponseBody{State: []byte("cursor")})
			assert.NoError(t, err)

			replies <- amqp.Delivery{
				CorrelationId: publishing.CorrelationId,
				Body:          body,
				Headers:       amqp.Table{headerStatusCode: int32(200)},
			}
		}).
		Return(nil)

	transport := newTestTransport(mockChannel)
	transport.replies = replies
	transport.replyQueue = "reply.test"

	resp, err := transport.Mgmt(context.Background(), lockbus.OpGetSessionState, map[string]any{
		"session-id": "session-1",
	})

	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []byte("cursor"), resp.Fields["session-state"])
}

func TestTransport_MgmtIgnoresForeignCorrelations(t *testing.T) {
	t.Parallel()

	replies := make(chan amqp.Delivery, 2)
	replies <- amqp.Delivery{CorrelationId: "someone-else"}

	mockChannel := &MockamqpChannel{}
	mockChannel.On("IsClosed").Return(false)
	mockChannel.On("PublishWithContext", "", "orders"+managementSuffix, false, false, mock.AnythingOfType("amqp091.Publishing")).
		Run(func(args mock.Arguments) {
			publishing := args.Get(4).(amqp.Publishing)
			replies <- amqp.Delivery{
				CorrelationId: publishing.CorrelationId,
				Headers:       amqp.Table{headerStatusCode: int32(200)},
			}
		}).
		Return(nil)

	transport := newTestTransport(mockChannel)
	transport.replies = replies

	resp, err := transport.Mgmt(context.Background(), lockbus.OpRenewLock, nil)

	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestDecodeResponse_ErrorStatusBecomesTransportError(t *testing.T) {
	t.Parallel()

	_, err := decodeResponse(amqp.Delivery{
		Headers: amqp.Table{
			headerStatusCode:     int32(410),
			"error-condition":    string(lockbus.CondSessionLockLost),
			"status-description": "session lock expired",
		},
	})

	var terr *lockbus.TransportError
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, lockbus.CondSessionLockLost, terr.Condition)
	assert.Equal(t, "session lock expired", terr.Description)
}

func TestDecodeResponse_DecodesMessagesAndExpirations(t *testing.T) {
	t.Parallel()

	token := uuid.New()
	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)

	body, err := json.Marshal(mgmtResponseBody{
		Expirations: []time.Time{until},
		Messages: []encodedDelivery{
			{
				MessageID:      "deferred-1",
				Body:           []byte("payload"),
				SequenceNumber: 42,
				DeliveryCount:  1,
				LockToken:      token.String(),
				LockedUntil:    until,
			},
		},
	})
	assert.NoError(t, err)

	resp, err := decodeResponse(amqp.Delivery{
		Body:    body,
		Headers: amqp.Table{headerStatusCode: int32(200)},
	})

	assert.NoError(t, err)

	expirations := resp.Fields["expirations"].([]time.Time)
	assert.Equal(t, until, expirations[0].UTC())

	deliveries := resp.Fields["messages"].([]lockbus.Delivery)
	assert.Len(t, deliveries, 1)
	assert.Equal(t, "deferred-1", deliveries[0].Message.ID)
	assert.Equal(t, int64(42), deliveries[0].SequenceNumber)
	assert.Equal(t, token, deliveries[0].LockToken)
}

func TestEncodeFields(t *testing.T) {
	t.Parallel()

	token := uuid.New()
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	encoded := encodeFields(map[string]any{
		"lock-tokens":            []uuid.UUID{token},
		"scheduled-enqueue-time": at,
		"message-count":          int32(5),
	})

	assert.Equal(t, []string{token.String()}, encoded["lock-tokens"])
	assert.Equal(t, at.Format(time.RFC3339Nano), encoded["scheduled-enqueue-time"])
	assert.Equal(t, int32(5), encoded["message-count"])
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       *amqp.Error
		condition lockbus.Condition
	}{
		{"access refused", &amqp.Error{Code: amqp.AccessRefused}, lockbus.CondUnauthorizedAccess},
		{"not found", &amqp.Error{Code: amqp.NotFound}, lockbus.CondNotFound},
		{"resource locked", &amqp.Error{Code: amqp.ResourceLocked}, lockbus.CondSessionCannotBeLocked},
		{"connection forced", &amqp.Error{Code: amqp.ConnectionForced}, lockbus.CondConnectionForced},
		{"resource error", &amqp.Error{Code: amqp.ResourceError}, lockbus.CondResourceLimit},
		{"internal error", &amqp.Error{Code: amqp.InternalError}, lockbus.CondInternalError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := mapError(tt.err)

			var terr *lockbus.TransportError
			assert.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.condition, terr.Condition)
		})
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	transport := &Transport{cfg: testConfig()}

	ready, err := transport.Ready()

	assert.NoError(t, err)
	assert.False(t, ready)
}

type MockamqpChannel struct {
	mock.Mock
}

func (m *MockamqpChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockamqpChannel) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *MockamqpChannel) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *MockamqpChannel) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func (m *MockamqpChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	callArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	return callArgs.Get(0).(<-chan amqp.Delivery), callArgs.Error(1)
}

func (m *MockamqpChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	callArgs := m.Called(exchange, key, mandatory, immediate, msg)
	return callArgs.Error(0)
}

func (m *MockamqpChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	callArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return callArgs.Get(0).(amqp.Queue), callArgs.Error(1)
}

func (m *MockamqpChannel) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}
