package lockbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const deadLetterSubQueue = "$deadletterqueue"

// PeekedMessage is a message browsed without locking it. It cannot be
// settled; receive it through Receive or ReceiveDeferred to obtain a lock.
type PeekedMessage struct {
	Message

	SequenceNumber int64
	DeliveryCount  int
	EnqueuedAt     time.Time
}

// Receiver consumes locked messages from one entity and exposes the
// settlement protocol. It is built on a Handler and owns it; closing the
// receiver closes the handler.
//
// A Receiver expects a single foreground caller. The only concurrent access
// it supports is the lock renewer's background renewal, which the handler
// serializes against the foreground calls.
type Receiver struct {
	handler *Handler
	opts    receiverOptions
	logger  Logger

	// session is the back-pointer set by NewSessionReceiver; nil for plain
	// receivers.
	session *SessionReceiver

	running atomic.Bool
}

// NewReceiver creates a receiver on top of the given handler. The transport
// link is established lazily on the first operation.
func NewReceiver(handler *Handler, opts ...ReceiverOption) (*Receiver, error) {
	r := &Receiver{}
	if err := initReceiver(r, handler, opts...); err != nil {
		return nil, err
	}

	return r, nil
}

func initReceiver(r *Receiver, handler *Handler, opts ...ReceiverOption) error {
	if handler == nil {
		return errors.New("a handler is required")
	}

	options := defaultReceiverOptions()
	for _, opt := range opts {
		opt(&options)
	}

	// The transport is built lazily from the handler's config, so pointing
	// the handler at the sub-queue here redirects every later attach.
	if options.subQueue != "" {
		handler.cfg.EntityPath = handler.cfg.EntityPath + "/" + options.subQueue
	}

	r.handler = handler
	r.opts = options
	r.logger = handler.logger
	r.running.Store(true)

	return nil
}

// IsRunning reports whether the receiver can still issue calls. The lock
// renewer consults this before every renewal attempt.
func (r *Receiver) IsRunning() bool {
	return r.running.Load() && r.handler.State() != HandlerClosed
}

// Mode returns the receive mode the receiver was created with.
func (r *Receiver) Mode() ReceiveMode {
	return r.opts.mode
}

// Close stops the receiver and releases the underlying handler. Locks held
// by outstanding messages are left to expire server-side; registrations in a
// lock renewer deactivate silently on their next due check.
func (r *Receiver) Close(ctx context.Context) error {
	if !r.running.Swap(false) {
		return nil
	}

	return r.handler.Close(nil)
}

// Receive fetches up to maxCount messages, waiting at most the configured
// receive window for the first one. In peek-lock mode the returned messages
// carry live locks; in receive-and-delete mode they are settled on receipt.
func (r *Receiver) Receive(ctx context.Context, maxCount int) ([]*ReceivedMessage, error) {
	if !r.IsRunning() {
		return nil, ErrReceiverNotRunning
	}

	var deliveries []Delivery
	err := r.handler.do(ctx, func(t Transport) error {
		var err error
		deliveries, err = t.Receive(ctx, maxCount, r.opts.receiveWait)

		return err
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*ReceivedMessage, 0, len(deliveries))
	for _, d := range deliveries {
		messages = append(messages, newReceivedMessage(d, r))
	}

	return messages, nil
}

// Peek browses messages starting at fromSequence without locking them.
func (r *Receiver) Peek(ctx context.Context, fromSequence int64, count int) ([]*PeekedMessage, error) {
	if !r.IsRunning() {
		return nil, ErrReceiverNotRunning
	}

	fields := map[string]any{
		fieldFromSequenceNumber: fromSequence,
		fieldMessageCount:       int32(count),
	}
	r.addSessionID(fields)

	resp, err := r.handler.Mgmt(ctx, OpPeekMessage, fields)
	if err != nil {
		return nil, err
	}

	deliveries, err := responseDeliveries(resp)
	if err != nil {
		return nil, err
	}

	peeked := make([]*PeekedMessage, 0, len(deliveries))
	for _, d := range deliveries {
		peeked = append(peeked, &PeekedMessage{
			Message:        d.Message,
			SequenceNumber: d.SequenceNumber,
			DeliveryCount:  d.DeliveryCount,
			EnqueuedAt:     d.EnqueuedAt,
		})
	}

	return peeked, nil
}

// ReceiveDeferred retrieves previously deferred messages by sequence number.
// Each returned message is a new lockable carrying a fresh lock token,
// settleable independently of the original delivery.
func (r *Receiver) ReceiveDeferred(ctx context.Context, sequenceNumbers []int64) ([]*ReceivedMessage, error) {
	if !r.IsRunning() {
		return nil, ErrReceiverNotRunning
	}
	if len(sequenceNumbers) == 0 {
		return nil, nil
	}

	fields := map[string]any{
		fieldSequenceNumbers:    sequenceNumbers,
		fieldReceiverSettleMode: uint32(r.opts.mode),
	}
	r.addSessionID(fields)

	resp, err := r.handler.Mgmt(ctx, OpReceiveBySequence, fields)
	if err != nil {
		return nil, err
	}

	deliveries, err := responseDeliveries(resp)
	if err != nil {
		return nil, err
	}

	messages := make([]*ReceivedMessage, 0, len(deliveries))
	for _, d := range deliveries {
		messages = append(messages, newReceivedMessage(d, r))
	}

	return messages, nil
}

// RenewMessageLock extends the lock of a message received by this receiver
// and returns the new expiry.
func (r *Receiver) RenewMessageLock(ctx context.Context, m *ReceivedMessage) (time.Time, error) {
	if err := m.RenewLock(ctx); err != nil {
		return time.Time{}, err
	}

	return m.LockedUntil(), nil
}

func (r *Receiver) sessionful() bool {
	return r.session != nil
}

func (r *Receiver) checkSessionLive() error {
	if r.session == nil {
		return nil
	}

	return r.session.checkLive()
}

func (r *Receiver) addSessionID(fields map[string]any) {
	if r.session != nil {
		fields[fieldSessionID] = r.session.sessionID
	}
}

// settleMessage applies a disposition, preferring the receiver's live link.
// When the per-message link has been destroyed but the management channel is
// still alive, the disposition is re-issued as a management request so a
// broken link does not strand an otherwise valid settlement.
func (r *Receiver) settleMessage(ctx context.Context, m *ReceivedMessage, d Disposition, reason, description string) error {
	err := r.handler.do(ctx, func(t Transport) error {
		return t.SettleOnLink(ctx, m.lockToken, d, reason, description)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrLinkDetached) {
		return err
	}

	r.logger.Warn().
		Str("disposition", string(d)).
		Str("lock_token", m.lockToken.String()).
		Msg("receiver link is gone, settling via the management channel")

	return r.updateDisposition(ctx, d, []uuid.UUID{m.lockToken}, reason, description)
}

func (r *Receiver) updateDisposition(ctx context.Context, d Disposition, tokens []uuid.UUID, reason, description string) error {
	fields := map[string]any{
		fieldDispositionStatus: string(d),
		fieldLockTokens:        tokens,
	}
	if reason != "" {
		fields[fieldDeadLetterReason] = reason
	}
	if description != "" {
		fields[fieldDeadLetterDescription] = description
	}
	r.addSessionID(fields)

	_, err := r.handler.Mgmt(ctx, OpUpdateDisposition, fields)

	return err
}

// renewMessageLock issues the renew-lock management request for one token
// and returns the new expiry from the response.
func (r *Receiver) renewMessageLock(ctx context.Context, token uuid.UUID) (time.Time, error) {
	fields := map[string]any{
		fieldLockTokens: []uuid.UUID{token},
	}

	resp, err := r.handler.Mgmt(ctx, OpRenewLock, fields)
	if err != nil {
		return time.Time{}, err
	}

	expirations, ok := resp.Fields[fieldExpirations].([]time.Time)
	if !ok || len(expirations) == 0 {
		return time.Time{}, NewError(KindService, "renew-lock response is missing expirations", nil)
	}

	return expirations[0], nil
}

func responseDeliveries(resp MgmtResponse) ([]Delivery, error) {
	raw, ok := resp.Fields[fieldMessages]
	if !ok {
		return nil, nil
	}

	deliveries, ok := raw.([]Delivery)
	if !ok {
		return nil, NewError(KindService, fmt.Sprintf("unexpected messages field type %T", raw), nil)
	}

	return deliveries, nil
}
