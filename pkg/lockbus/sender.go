package lockbus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Sender publishes messages to one entity. It shares the handler's
// classification and retry path with the receivers, and like them expects a
// single foreground caller.
type Sender struct {
	handler *Handler
	logger  Logger

	running atomic.Bool
}

// NewSender creates a sender on top of the given handler.
func NewSender(handler *Handler) (*Sender, error) {
	if handler == nil {
		return nil, errors.New("a handler is required")
	}

	s := &Sender{
		handler: handler,
		logger:  handler.logger,
	}
	s.running.Store(true)

	return s, nil
}

// IsRunning reports whether the sender can still issue calls.
func (s *Sender) IsRunning() bool {
	return s.running.Load() && s.handler.State() != HandlerClosed
}

// Close stops the sender and releases the underlying handler.
func (s *Sender) Close(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}

	return s.handler.Close(nil)
}

// Send publishes a single message.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if !s.IsRunning() {
		return ErrHandlerNotRunning
	}

	return s.handler.do(ctx, func(t Transport) error {
		return t.Send(ctx, msg)
	})
}

// SendBatch publishes the messages in order over the same link.
func (s *Sender) SendBatch(ctx context.Context, msgs []Message) error {
	if !s.IsRunning() {
		return ErrHandlerNotRunning
	}

	return s.handler.do(ctx, func(t Transport) error {
		for _, msg := range msgs {
			if err := t.Send(ctx, msg); err != nil {
				return err
			}
		}

		return nil
	})
}

// ScheduleMessages enqueues the messages for delivery at the given time and
// returns the sequence numbers assigned to them, usable with
// CancelScheduledMessages.
func (s *Sender) ScheduleMessages(ctx context.Context, at time.Time, msgs []Message) ([]int64, error) {
	if !s.IsRunning() {
		return nil, ErrHandlerNotRunning
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	resp, err := s.handler.Mgmt(ctx, OpScheduleMessage, map[string]any{
		fieldScheduledAt: at.UTC(),
		fieldMessages:    msgs,
	})
	if err != nil {
		return nil, err
	}

	sequenceNumbers, ok := resp.Fields[fieldSequenceNumbers].([]int64)
	if !ok {
		return nil, NewError(KindService, "schedule-message response is missing sequence numbers", nil)
	}

	return sequenceNumbers, nil
}

// CancelScheduledMessages cancels previously scheduled messages by sequence
// number.
func (s *Sender) CancelScheduledMessages(ctx context.Context, sequenceNumbers []int64) error {
	if !s.IsRunning() {
		return ErrHandlerNotRunning
	}
	if len(sequenceNumbers) == 0 {
		return nil
	}

	_, err := s.handler.Mgmt(ctx, OpCancelScheduled, map[string]any{
		fieldSequenceNumbers: sequenceNumbers,
	})

	return err
}
