package lockbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockRenewer_RenewsOnSchedule(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()
	defer renewer.Close()

	entity := newFakeRenewable()

	err := renewer.Register(entity,
		WithRenewPeriod(5*time.Millisecond),
		WithMaxRenewalDuration(time.Minute),
		WithOnFailure(entity.recordFailure),
	)

	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		return entity.renewCount() >= 3
	}, time.Second, time.Millisecond)
	assert.Nil(t, entity.failure())
}

func TestLockRenewer_DeactivatesSilentlyOnceSettled(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()
	defer renewer.Close()

	entity := newFakeRenewable()

	err := renewer.Register(entity,
		WithRenewPeriod(5*time.Millisecond),
		WithMaxRenewalDuration(time.Minute),
		WithOnFailure(entity.recordFailure),
	)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return entity.renewCount() >= 1
	}, time.Second, time.Millisecond)

	entity.settle()
	time.Sleep(30 * time.Millisecond)
	after := entity.renewCount()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, after, entity.renewCount())
	assert.Nil(t, entity.failure(), "settlement must not trigger the failure callback")
	assert.False(t, entity.lockExpired())
}

func TestLockRenewer_DeactivatesSilentlyWhenOwnerStops(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()
	defer renewer.Close()

	entity := newFakeRenewable()
	entity.stopOwner()

	err := renewer.Register(entity,
		WithRenewPeriod(time.Millisecond),
		WithMaxRenewalDuration(time.Minute),
		WithOnFailure(entity.recordFailure),
	)
	assert.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, entity.renewCount())
	assert.Nil(t, entity.failure())
}

func TestLockRenewer_ReportsRenewalFailureExactlyOnce(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()
	defer renewer.Close()

	entity := newFakeRenewable()
	cause := &TransportError{Condition: CondMessageLockLost}
	entity.failRenewals(cause)

	err := renewer.Register(entity,
		WithRenewPeriod(time.Millisecond),
		WithMaxRenewalDuration(time.Minute),
		WithOnFailure(entity.recordFailure),
	)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return entity.failure() != nil
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, entity.failureCount())
	assert.ErrorIs(t, entity.failure(), cause)
	assert.True(t, entity.lockExpired())
}

func TestLockRenewer_TimesOutWhenBudgetIsSpent(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()
	defer renewer.Close()

	entity := newFakeRenewable()

	err := renewer.Register(entity,
		WithRenewPeriod(10*time.Millisecond),
		WithMaxRenewalDuration(time.Millisecond),
		WithOnFailure(entity.recordFailure),
	)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return entity.failure() != nil
	}, time.Second, time.Millisecond)

	var timeout *RenewTimeoutError
	assert.ErrorAs(t, entity.failure(), &timeout)
	assert.GreaterOrEqual(t, timeout.Elapsed, time.Millisecond)
	assert.True(t, entity.lockExpired())
	assert.Equal(t, 0, entity.renewCount())
}

func TestLockRenewer_IsSingleUse(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()

	assert.NoError(t, renewer.Start())
	assert.NoError(t, renewer.Close())
	assert.NoError(t, renewer.Close())

	assert.ErrorIs(t, renewer.Start(), ErrRenewerClosed)
	assert.ErrorIs(t, renewer.Register(newFakeRenewable()), ErrRenewerClosed)
}

func TestLockRenewer_CloseStopsRenewals(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer()
	entity := newFakeRenewable()

	err := renewer.Register(entity,
		WithRenewPeriod(2*time.Millisecond),
		WithMaxRenewalDuration(time.Minute),
		WithOnFailure(entity.recordFailure),
	)
	assert.NoError(t, err)

	assert.NoError(t, renewer.Close())
	after := entity.renewCount()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, after, entity.renewCount())
	assert.Nil(t, entity.failure(), "closing the renewer must not trigger failure callbacks")
}

func TestLockRenewer_ManyRegistrationsRenewIndependently(t *testing.T) {
	t.Parallel()

	renewer := NewLockRenewer(
		WithDefaultRenewPeriod(3*time.Millisecond),
		WithDefaultMaxRenewalDuration(time.Minute),
	)
	defer renewer.Close()

	entities := make([]*fakeRenewable, 5)
	for i := range entities {
		entities[i] = newFakeRenewable()
		assert.NoError(t, renewer.Register(entities[i]))
	}

	assert.Eventually(t, func() bool {
		for _, entity := range entities {
			if entity.renewCount() < 2 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

// fakeRenewable is a lock-bearing stand-in with scripted renewal behavior.
type fakeRenewable struct {
	mu          sync.Mutex
	renewals    int
	renewErr    error
	settled     bool
	ownerDown   bool
	expired     bool
	failures    []error
	lockedUntil time.Time
}

func newFakeRenewable() *fakeRenewable {
	return &fakeRenewable{
		lockedUntil: time.Now().Add(time.Minute),
	}
}

func (f *fakeRenewable) RenewLock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.renewErr != nil {
		return f.renewErr
	}

	f.renewals++
	f.lockedUntil = time.Now().Add(time.Minute)

	return nil
}

func (f *fakeRenewable) LockedUntil() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lockedUntil
}

func (f *fakeRenewable) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.settled
}

func (f *fakeRenewable) OwnerRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return !f.ownerDown
}

func (f *fakeRenewable) markLockExpired() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.expired = true
}

func (f *fakeRenewable) recordFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures = append(f.failures, err)
}

func (f *fakeRenewable) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.renewals
}

func (f *fakeRenewable) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.failures) == 0 {
		return nil
	}
	return f.failures[0]
}

func (f *fakeRenewable) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.failures)
}

func (f *fakeRenewable) settle() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.settled = true
}

func (f *fakeRenewable) stopOwner() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ownerDown = true
}

func (f *fakeRenewable) failRenewals(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.renewErr = err
}

func (f *fakeRenewable) lockExpired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.expired
}
