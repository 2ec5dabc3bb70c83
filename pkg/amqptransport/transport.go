// Package amqptransport implements the lockbus Transport over the RabbitMQ
// AMQP client library. Management requests use the RPC pattern: requests go
// to the entity's management address and responses come back on an
// exclusive reply queue, matched by correlation id.
package amqptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/architeacher/lockbus/pkg/lockbus"
)

const (
	managementSuffix = "/$management"

	headerOperation      = "operation"
	headerStatusCode     = "status-code"
	headerSequenceNumber = "x-sequence-number"
	headerDeliveryCount  = "x-delivery-count"
	headerLockToken      = "x-lock-token"
	headerLockedUntil    = "x-locked-until"
)

// amqpChannel is used mainly to be able to generate mocks for the AMQP
// behavior.
type amqpChannel interface {
	io.Closer

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	IsClosed() bool
}

type amqpConnection interface {
	io.Closer

	Channel() (*amqp.Channel, error)
	IsClosed() bool
}

// Transport is a lockbus.Transport backed by one AMQP connection and
// channel. The channel is guarded by a mutex; the owning handler additionally
// serializes calls, so the mutex only protects the transport's own reply
// pump against foreground calls.
type Transport struct {
	cfg lockbus.Config

	mutex   sync.Mutex
	conn    amqpConnection
	channel amqpChannel

	replyQueue string
	replies    <-chan amqp.Delivery
	inbound    <-chan amqp.Delivery

	// deliveryTags maps live lock tokens to their channel delivery tags, so
	// settlements can be applied on the link they arrived on. Entries vanish
	// when the channel is rebuilt, which is exactly when link settlement has
	// to fail with ErrLinkDetached.
	deliveryTags map[uuid.UUID]uint64

	dial func(cfg lockbus.Config) (amqpConnection, error)
}

// New builds an unopened transport for the given endpoint. It satisfies
// lockbus.TransportFactory.
func New(cfg lockbus.Config) (lockbus.Transport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("a host is required")
	}

	return &Transport{
		cfg:          cfg,
		deliveryTags: make(map[uuid.UUID]uint64),
		dial:         dialAMQP,
	}, nil
}

func dialAMQP(cfg lockbus.Config) (amqpConnection, error) {
	uri := amqp.URI{
		Scheme:   cfg.Scheme,
		Username: cfg.SharedAccessKeyName,
		Password: cfg.SharedAccessKey,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Vhost:    "/",
	}

	conn, err := amqp.Dial(uri.String())
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Open establishes the connection, the channel, and the reply queue for
// management responses.
func (t *Transport) Open(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn != nil && !t.conn.IsClosed() {
		return nil
	}

	conn, err := t.dial(t.cfg)
	if err != nil {
		return mapError(err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return mapError(err)
	}

	if err := t.setupLocked(conn, channel); err != nil {
		channel.Close()
		conn.Close()
		return mapError(err)
	}

	return nil
}

func (t *Transport) setupLocked(conn amqpConnection, channel amqpChannel) error {
	replyQueue, err := channel.QueueDeclare(
		"reply."+uuid.NewString(), // name
		false,                     // durable
		true,                      // autoDelete
		true,                      // exclusive
		false,                     // noWait
		nil,                       // args
	)
	if err != nil {
		return err
	}

	replies, err := channel.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	inbound, err := channel.Consume(t.cfg.EntityPath, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	t.conn = conn
	t.channel = channel
	t.replyQueue = replyQueue.Name
	t.replies = replies
	t.inbound = inbound
	t.deliveryTags = make(map[uuid.UUID]uint64)

	return nil
}

// Close releases the channel and the connection.
func (t *Transport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.deliveryTags = make(map[uuid.UUID]uint64)

	if t.channel != nil && !t.channel.IsClosed() {
		t.channel.Close()
	}
	t.channel = nil

	if t.conn != nil && !t.conn.IsClosed() {
		err := t.conn.Close()
		t.conn = nil

		return err
	}
	t.conn = nil

	return nil
}

// Ready reports whether the connection and channel are usable.
func (t *Transport) Ready() (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn == nil || t.channel == nil {
		return false, nil
	}

	return !t.conn.IsClosed() && !t.channel.IsClosed(), nil
}

// Send publishes a message to the entity.
func (t *Transport) Send(ctx context.Context, msg lockbus.Message) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.channel == nil || t.channel.IsClosed() {
		return &lockbus.TransportError{
			Condition:   lockbus.CondConnectionForced,
			Description: "the channel is not open",
		}
	}

	headers := amqp.Table{}
	for k, v := range msg.Annotations {
		headers[k] = v
	}

	publishing := amqp.Publishing{
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Headers:       headers,
	}
	if msg.SessionID != "" {
		publishing.Headers["session-id"] = msg.SessionID
	}

	if err := t.channel.PublishWithContext(ctx, "", t.cfg.EntityPath, false, false, publishing); err != nil {
		return mapError(err)
	}

	return nil
}

// Receive collects up to maxCount deliveries within the timeout window. An
// empty result with a nil error means the window elapsed quietly.
func (t *Transport) Receive(ctx context.Context, maxCount int, timeout time.Duration) ([]lockbus.Delivery, error) {
	t.mutex.Lock()
	inbound := t.inbound
	t.mutex.Unlock()

	if inbound == nil {
		return nil, &lockbus.TransportError{
			Condition:   lockbus.CondConnectionForced,
			Description: "the channel is not open",
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	deliveries := make([]lockbus.Delivery, 0, maxCount)
	for len(deliveries) < maxCount {
		select {
		case <-ctx.Done():
			return deliveries, ctx.Err()
		case <-timer.C:
			return deliveries, nil
		case d, ok := <-inbound:
			if !ok {
				return deliveries, &lockbus.TransportError{
					Condition:   lockbus.CondLinkDetachForced,
					Description: "the delivery channel closed",
				}
			}

			delivery, err := t.track(d)
			if err != nil {
				d.Reject(false)
				continue
			}
			deliveries = append(deliveries, delivery)
		}
	}

	return deliveries, nil
}

// track decodes broker annotations and records the delivery tag under the
// lock token for later link settlement.
func (t *Transport) track(d amqp.Delivery) (lockbus.Delivery, error) {
	delivery := lockbus.Delivery{
		Message: lockbus.Message{
			ID:            d.MessageId,
			CorrelationID: d.CorrelationId,
			ContentType:   d.ContentType,
			Body:          d.Body,
		},
		EnqueuedAt: d.Timestamp,
	}

	if sessionID, ok := d.Headers["session-id"].(string); ok {
		delivery.Message.SessionID = sessionID
	}
	delivery.SequenceNumber = headerInt64(d.Headers, headerSequenceNumber)
	delivery.DeliveryCount = int(headerInt64(d.Headers, headerDeliveryCount))

	rawToken, ok := d.Headers[headerLockToken].(string)
	if !ok {
		// Broker-generated token fallback keeps locally produced test
		// brokers usable.
		rawToken = uuid.NewString()
	}
	token, err := uuid.Parse(rawToken)
	if err != nil {
		return lockbus.Delivery{}, fmt.Errorf("malformed lock token %q: %w", rawToken, err)
	}
	delivery.LockToken = token

	if rawUntil, ok := d.Headers[headerLockedUntil].(string); ok {
		if until, err := time.Parse(time.RFC3339, rawUntil); err == nil {
			delivery.LockedUntil = until
		}
	}

	t.mutex.Lock()
	t.deliveryTags[token] = d.DeliveryTag
	t.mutex.Unlock()

	return delivery, nil
}

// SettleOnLink applies a disposition on the link the message arrived on. It
// returns lockbus.ErrLinkDetached when the delivery is no longer tracked,
// which happens when the channel was rebuilt underneath the message.
func (t *Transport) SettleOnLink(ctx context.Context, token uuid.UUID, disposition lockbus.Disposition, reason, description string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	tag, ok := t.deliveryTags[token]
	if !ok || t.channel == nil || t.channel.IsClosed() {
		return fmt.Errorf("no live delivery for token %s: %w", token, lockbus.ErrLinkDetached)
	}

	var err error
	switch disposition {
	case lockbus.DispositionComplete:
		err = t.channel.Ack(tag, false)
	case lockbus.DispositionAbandon:
		err = t.channel.Nack(tag, false, true)
	case lockbus.DispositionDefer, lockbus.DispositionDeadLetter:
		// Defer and dead-letter rely on broker-side routing of rejected
		// deliveries; the reason and description travel in the management
		// fallback only.
		err = t.channel.Reject(tag, false)
	default:
		return fmt.Errorf("unknown disposition %q", disposition)
	}
	if err != nil {
		return mapError(err)
	}

	delete(t.deliveryTags, token)

	return nil
}

// Mgmt issues one management request and waits for the correlated response.
func (t *Transport) Mgmt(ctx context.Context, operation string, fields map[string]any) (lockbus.MgmtResponse, error) {
	body, err := json.Marshal(encodeFields(fields))
	if err != nil {
		return lockbus.MgmtResponse{}, fmt.Errorf("failed to encode management request: %w", err)
	}

	t.mutex.Lock()
	channel := t.channel
	replies := t.replies
	replyQueue := t.replyQueue
	t.mutex.Unlock()

	if channel == nil || channel.IsClosed() {
		return lockbus.MgmtResponse{}, &lockbus.TransportError{
			Condition:   lockbus.CondConnectionForced,
			Description: "the channel is not open",
		}
	}

	correlationID := uuid.NewString()
	publishing := amqp.Publishing{
		CorrelationId: correlationID,
		ReplyTo:       replyQueue,
		ContentType:   "application/json",
		Body:          body,
		Headers: amqp.Table{
			headerOperation: operation,
		},
	}

	if err := channel.PublishWithContext(ctx, "", t.cfg.EntityPath+managementSuffix, false, false, publishing); err != nil {
		return lockbus.MgmtResponse{}, mapError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return lockbus.MgmtResponse{}, ctx.Err()
		case d, ok := <-replies:
			if !ok {
				return lockbus.MgmtResponse{}, &lockbus.TransportError{
					Condition:   lockbus.CondLinkDetachForced,
					Description: "the management reply channel closed",
				}
			}
			if d.CorrelationId != correlationID {
				continue
			}

			return decodeResponse(d)
		}
	}
}

// encodeFields turns request field values into JSON-friendly shapes.
func encodeFields(fields map[string]any) map[string]any {
	encoded := make(map[string]any, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case []uuid.UUID:
			tokens := make([]string, 0, len(value))
			for _, token := range value {
				tokens = append(tokens, token.String())
			}
			encoded[k] = tokens
		case time.Time:
			encoded[k] = value.Format(time.RFC3339Nano)
		default:
			encoded[k] = v
		}
	}

	return encoded
}

type mgmtResponseBody struct {
	Expirations []time.Time       `json:"expirations,omitempty"`
	Expiration  *time.Time        `json:"expiration,omitempty"`
	Messages    []encodedDelivery `json:"messages,omitempty"`
	Sequences   []int64           `json:"sequence-numbers,omitempty"`
	State       []byte            `json:"session-state,omitempty"`
}

type encodedDelivery struct {
	MessageID      string    `json:"message-id"`
	SessionID      string    `json:"session-id,omitempty"`
	Body           []byte    `json:"body"`
	SequenceNumber int64     `json:"sequence-number"`
	DeliveryCount  int       `json:"delivery-count"`
	LockToken      string    `json:"lock-token,omitempty"`
	LockedUntil    time.Time `json:"locked-until,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued-at,omitempty"`
}

func decodeResponse(d amqp.Delivery) (lockbus.MgmtResponse, error) {
	resp := lockbus.MgmtResponse{
		StatusCode: headerStatus(d.Headers),
		Fields:     map[string]any{},
	}

	if resp.StatusCode >= 400 {
		condition, _ := d.Headers["error-condition"].(string)
		description, _ := d.Headers["status-description"].(string)

		return lockbus.MgmtResponse{}, &lockbus.TransportError{
			Condition:   lockbus.Condition(condition),
			Description: description,
		}
	}

	if len(d.Body) == 0 {
		return resp, nil
	}

	var body mgmtResponseBody
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return lockbus.MgmtResponse{}, fmt.Errorf("failed to decode management response: %w", err)
	}

	if len(body.Expirations) > 0 {
		resp.Fields["expirations"] = body.Expirations
	}
	if body.Expiration != nil {
		resp.Fields["expiration"] = *body.Expiration
	}
	if len(body.Sequences) > 0 {
		resp.Fields["sequence-numbers"] = body.Sequences
	}
	if body.State != nil {
		resp.Fields["session-state"] = body.State
	}
	if len(body.Messages) > 0 {
		deliveries := make([]lockbus.Delivery, 0, len(body.Messages))
		for _, m := range body.Messages {
			delivery := lockbus.Delivery{
				Message: lockbus.Message{
					ID:        m.MessageID,
					SessionID: m.SessionID,
					Body:      m.Body,
				},
				SequenceNumber: m.SequenceNumber,
				DeliveryCount:  m.DeliveryCount,
				LockedUntil:    m.LockedUntil,
				EnqueuedAt:     m.EnqueuedAt,
			}
			if m.LockToken != "" {
				token, err := uuid.Parse(m.LockToken)
				if err != nil {
					return lockbus.MgmtResponse{}, fmt.Errorf("malformed lock token in response: %w", err)
				}
				delivery.LockToken = token
			}
			deliveries = append(deliveries, delivery)
		}
		resp.Fields["messages"] = deliveries
	}

	return resp, nil
}

func headerStatus(headers amqp.Table) int {
	switch v := headers[headerStatusCode].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		code, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return code
	default:
		return 200
	}
}

func headerInt64(headers amqp.Table, key string) int64 {
	switch v := headers[key].(type) {
	case int32:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// mapError translates AMQP client failures into transport errors the
// classifier understands.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if amqpErr, ok := err.(*amqp.Error); ok {
		return &lockbus.TransportError{
			Condition:   conditionFor(amqpErr),
			Description: amqpErr.Reason,
			Err:         err,
		}
	}

	if err == amqp.ErrClosed {
		return &lockbus.TransportError{
			Condition:   lockbus.CondConnectionForced,
			Description: "the connection or channel is closed",
			Err:         err,
		}
	}

	return &lockbus.TransportError{
		Condition:   lockbus.CondConnectionForced,
		Description: "the connection failed",
		Err:         err,
	}
}

func conditionFor(err *amqp.Error) lockbus.Condition {
	switch err.Code {
	case amqp.AccessRefused:
		return lockbus.CondUnauthorizedAccess
	case amqp.NotFound:
		return lockbus.CondNotFound
	case amqp.ResourceLocked:
		return lockbus.CondSessionCannotBeLocked
	case amqp.ConnectionForced, amqp.ChannelError, amqp.FrameError, amqp.UnexpectedFrame:
		return lockbus.CondConnectionForced
	case amqp.ResourceError:
		return lockbus.CondResourceLimit
	case amqp.InternalError:
		return lockbus.CondInternalError
	default:
		return lockbus.CondInternalError
	}
}
