package lockbus

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// registration wraps one renewable entity scheduled for background renewal.
type registration struct {
	entity      Renewable
	renewPeriod time.Duration
	deadline    time.Time
	onFailure   func(error)

	next   time.Time
	active bool
	index  int

	registeredAt time.Time
}

// registrationHeap is a min-heap over next action times.
type registrationHeap []*registration

func (h registrationHeap) Len() int { return len(h) }

func (h registrationHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }

func (h registrationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *registrationHeap) Push(x any) {
	reg := x.(*registration)
	reg.index = len(*h)
	*h = append(*h, reg)
}

func (h *registrationHeap) Pop() any {
	old := *h
	n := len(old)
	reg := old[n-1]
	old[n-1] = nil
	reg.index = -1
	*h = old[:n-1]

	return reg
}

// LockRenewer keeps zero or more lockables alive without caller
// intervention. One background goroutine sleeps until the soonest scheduled
// renewal, waking early on new registrations and on close.
//
// Renewal failures never propagate synchronously to any caller: they are
// reported through the registration's failure callback and the registration
// deactivates. A renewer is single-use; once closed it rejects all further
// registrations permanently.
type LockRenewer struct {
	opts renewerOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	regs    registrationHeap
	wake    chan struct{}
	running bool
	closed  bool
	stopped chan struct{}
}

// NewLockRenewer creates a renewer. The background worker starts with the
// first registration.
func NewLockRenewer(opts ...RenewerOption) *LockRenewer {
	options := defaultRenewerOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LockRenewer{
		opts:   options,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// Start ensures the background worker is running. Register does this
// implicitly; Start exists so the renewer's lifecycle can be scoped
// explicitly. Entering the scope of a closed renewer fails: a renewer is not
// reusable.
func (lr *LockRenewer) Start() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	return lr.startLocked()
}

func (lr *LockRenewer) startLocked() error {
	if lr.closed {
		return ErrRenewerClosed
	}
	if lr.running {
		return nil
	}

	lr.running = true
	lr.stopped = make(chan struct{})
	go lr.loop()

	return nil
}

// Register schedules background renewal for a lockable until it settles, its
// owner stops running, its renewal budget is exhausted, or the renewer is
// closed. The first renewal fires one renew period after registration.
func (lr *LockRenewer) Register(entity Renewable, opts ...RegistrationOption) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.closed {
		return ErrRenewerClosed
	}

	options := registrationOptions{
		renewPeriod: lr.opts.renewPeriod,
		maxDuration: lr.opts.maxDuration,
	}
	for _, opt := range opts {
		opt(&options)
	}

	now := lr.opts.timeProvider()
	reg := &registration{
		entity:       entity,
		renewPeriod:  options.renewPeriod,
		deadline:     now.Add(options.maxDuration),
		onFailure:    options.onFailure,
		next:         now.Add(options.renewPeriod),
		active:       true,
		registeredAt: now,
	}
	heap.Push(&lr.regs, reg)

	if err := lr.startLocked(); err != nil {
		return err
	}
	lr.poke()

	return nil
}

// Close stops the worker, deactivates every registration, and marks the
// renewer permanently closed. Safe to call multiple times.
func (lr *LockRenewer) Close() error {
	lr.mu.Lock()
	if lr.closed {
		lr.mu.Unlock()
		return nil
	}

	lr.closed = true
	for _, reg := range lr.regs {
		reg.active = false
	}
	lr.regs = nil
	wasRunning := lr.running
	lr.running = false
	stopped := lr.stopped
	lr.mu.Unlock()

	lr.cancel()
	if wasRunning {
		<-stopped
	}

	return nil
}

// poke wakes the worker so it recomputes its sleep. Callers hold lr.mu.
func (lr *LockRenewer) poke() {
	select {
	case lr.wake <- struct{}{}:
	default:
	}
}

func (lr *LockRenewer) loop() {
	defer close(lr.stopped)

	for {
		lr.mu.Lock()
		var wait time.Duration
		hasNext := false
		if lr.regs.Len() > 0 {
			wait = lr.regs[0].next.Sub(lr.opts.timeProvider())
			hasNext = true
		}
		lr.mu.Unlock()

		if !hasNext {
			select {
			case <-lr.ctx.Done():
				return
			case <-lr.wake:
				continue
			}
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-lr.ctx.Done():
				timer.Stop()
				return
			case <-lr.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		for {
			reg, ok := lr.popDue()
			if !ok {
				break
			}
			lr.process(reg)
		}
	}
}

// popDue removes the earliest registration when its action time has come.
func (lr *LockRenewer) popDue() (*registration, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.closed || lr.regs.Len() == 0 {
		return nil, false
	}
	if lr.regs[0].next.After(lr.opts.timeProvider()) {
		return nil, false
	}

	return heap.Pop(&lr.regs).(*registration), true
}

// process handles one due registration: silent deactivation for settled or
// orphaned entities, a timeout callback once the renewal budget is spent,
// otherwise a renewal attempt.
func (lr *LockRenewer) process(reg *registration) {
	if !reg.active {
		return
	}

	entity := reg.entity
	now := lr.opts.timeProvider()

	// Settled, or the owning receiver stopped running: the registration has
	// simply run its course. No failure callback on this path.
	if entity.Settled() || !entity.OwnerRunning() {
		reg.active = false
		lr.opts.logger.Debug().Msg("renewal registration completed")

		return
	}

	if !now.Before(reg.deadline) {
		reg.active = false
		entity.markLockExpired()
		lr.opts.logger.Warn().Msg("renewal budget exhausted, lock marked expired")
		lr.fail(reg, &RenewTimeoutError{Elapsed: now.Sub(reg.registeredAt)})

		return
	}

	if err := entity.RenewLock(lr.ctx); err != nil {
		reg.active = false
		entity.markLockExpired()
		lr.opts.logger.Warn().Err(err).Msg("lock renewal failed")
		lr.fail(reg, err)

		return
	}

	lr.reschedule(reg)
}

func (lr *LockRenewer) fail(reg *registration, err error) {
	if reg.onFailure == nil {
		return
	}
	reg.onFailure(err)
}

func (lr *LockRenewer) reschedule(reg *registration) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.closed || !reg.active {
		return
	}

	reg.next = reg.next.Add(reg.renewPeriod)
	heap.Push(&lr.regs, reg)
}
