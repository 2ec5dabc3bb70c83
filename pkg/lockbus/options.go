package lockbus

import (
	"time"
)

type handlerOptions struct {
	logger    Logger
	backoff   BackoffStrategy
	factory   TransportFactory
	transport Transport
}

// HandlerOption configures a Handler when it is created.
type HandlerOption func(*handlerOptions)

// WithLogger returns a HandlerOption which sets the logger used by the handler
// and everything built on top of it.
func WithLogger(l Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = l
	}
}

// WithBackoff returns a HandlerOption which overrides the backoff strategy
// applied between reconnection attempts.
func WithBackoff(s BackoffStrategy) HandlerOption {
	return func(o *handlerOptions) {
		o.backoff = s
	}
}

// WithTransportFactory returns a HandlerOption which sets the factory used to
// build the transport link, on first open and on every reconnect.
func WithTransportFactory(f TransportFactory) HandlerOption {
	return func(o *handlerOptions) {
		o.factory = f
	}
}

// WithTransport returns a HandlerOption which pins an already built transport
// link. Reconnects fall back to the factory when one is set; otherwise the
// same transport is reopened.
func WithTransport(t Transport) HandlerOption {
	return func(o *handlerOptions) {
		o.transport = t
	}
}

// ReceiveMode determines how received messages are locked and settled.
type ReceiveMode int

const (
	// PeekLock yields locked messages requiring explicit settlement.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete settles messages immediately on receipt.
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	if m == ReceiveAndDelete {
		return "receive_and_delete"
	}
	return "peek_lock"
}

type receiverOptions struct {
	mode        ReceiveMode
	subQueue    string
	receiveWait time.Duration
}

// ReceiverOption configures a Receiver when it is created.
type ReceiverOption func(*receiverOptions)

// WithReceiveMode returns a ReceiverOption which sets the receive mode.
func WithReceiveMode(mode ReceiveMode) ReceiverOption {
	return func(o *receiverOptions) {
		o.mode = mode
	}
}

// WithDeadLetterSubQueue returns a ReceiverOption which targets the entity's
// dead-letter sub-queue instead of its main queue.
func WithDeadLetterSubQueue() ReceiverOption {
	return func(o *receiverOptions) {
		o.subQueue = deadLetterSubQueue
	}
}

// WithReceiveWait returns a ReceiverOption which sets how long a single
// Receive call waits for messages to arrive.
func WithReceiveWait(d time.Duration) ReceiverOption {
	return func(o *receiverOptions) {
		o.receiveWait = d
	}
}

func defaultReceiverOptions() receiverOptions {
	return receiverOptions{
		mode:        PeekLock,
		receiveWait: 5 * time.Second,
	}
}

type renewerOptions struct {
	logger       Logger
	renewPeriod  time.Duration
	maxDuration  time.Duration
	timeProvider func() time.Time
}

// RenewerOption configures a LockRenewer when it is created.
type RenewerOption func(*renewerOptions)

// WithRenewerLogger returns a RenewerOption which sets the renewer's logger.
func WithRenewerLogger(l Logger) RenewerOption {
	return func(o *renewerOptions) {
		o.logger = l
	}
}

// WithDefaultRenewPeriod returns a RenewerOption which sets the renew period
// applied to registrations that do not specify one.
func WithDefaultRenewPeriod(d time.Duration) RenewerOption {
	return func(o *renewerOptions) {
		o.renewPeriod = d
	}
}

// WithDefaultMaxRenewalDuration returns a RenewerOption which sets the total
// renewal budget applied to registrations that do not specify one.
func WithDefaultMaxRenewalDuration(d time.Duration) RenewerOption {
	return func(o *renewerOptions) {
		o.maxDuration = d
	}
}

func defaultRenewerOptions() renewerOptions {
	return renewerOptions{
		renewPeriod:  10 * time.Second,
		maxDuration:  5 * time.Minute,
		timeProvider: time.Now,
	}
}

type registrationOptions struct {
	renewPeriod time.Duration
	maxDuration time.Duration
	onFailure   func(error)
}

// RegistrationOption configures a single Register call.
type RegistrationOption func(*registrationOptions)

// WithRenewPeriod returns a RegistrationOption which sets the interval between
// renewal attempts for this registration.
func WithRenewPeriod(d time.Duration) RegistrationOption {
	return func(o *registrationOptions) {
		o.renewPeriod = d
	}
}

// WithMaxRenewalDuration returns a RegistrationOption which sets the absolute
// renewal budget, measured from registration time.
func WithMaxRenewalDuration(d time.Duration) RegistrationOption {
	return func(o *registrationOptions) {
		o.maxDuration = d
	}
}

// WithOnFailure returns a RegistrationOption which sets the callback invoked
// when renewal fails or times out. Renewal failures are never raised
// synchronously to any caller; this callback is the only reporting channel.
func WithOnFailure(fn func(error)) RegistrationOption {
	return func(o *registrationOptions) {
		o.onFailure = fn
	}
}
