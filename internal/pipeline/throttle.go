package pipeline

// throttle.go decides when repeated validation-failure events surface a
// user-visible notification. Inline field indicators always carry the
// current state; the throttle only controls the louder toast-style notices,
// with a deliberately decaying schedule so a stuck operator is not flooded.

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSuccessInterval is the minimum gap between success notices for the
// same row.
const DefaultSuccessInterval = 5 * time.Second

// rowNotifyState is the per-row throttle bookkeeping. It persists across
// re-validations of a row but resets whenever the row's content changes.
type rowNotifyState struct {
	counter     int
	lastHash    uint64
	seen        bool
	lastSuccess time.Time
}

// Throttle rate-limits validation notifications per row. It is owned by the
// pipeline instance, never ambient state.
type Throttle struct {
	notifier        Notifier
	successInterval time.Duration
	now             func() time.Time

	mu   sync.Mutex
	rows map[int]*rowNotifyState
}

// NewThrottle creates a throttle emitting through the given notifier.
func NewThrottle(notifier Notifier) *Throttle {
	return &Throttle{
		notifier:        notifier,
		successInterval: DefaultSuccessInterval,
		now:             time.Now,
		rows:            make(map[int]*rowNotifyState),
	}
}

// OnRowValidationChanged records one validation event for a row.
//
// If the row's content hash changed since the last call the counter resets
// and nothing is emitted: the fresh state speaks through the inline
// indicators. If the content is unchanged and now valid, a rate-limited
// success notice is emitted and the counter resets. If the content is
// unchanged and still invalid, the counter increments and a notice is
// emitted only at counts 1, 3, 6, 9, 12 and every 3rd thereafter.
func (t *Throttle) OnRowValidationChanged(rowID int, fieldsHash uint64, hasErrors bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.rows[rowID]
	if !ok {
		state = &rowNotifyState{}
		t.rows[rowID] = state
	}

	if !state.seen || state.lastHash != fieldsHash {
		state.seen = true
		state.lastHash = fieldsHash
		state.counter = 0
		return
	}

	if !hasErrors {
		state.counter = 0
		now := t.now()
		if now.Sub(state.lastSuccess) >= t.successInterval {
			state.lastSuccess = now
			t.emit(Notice{
				Type:    NoticeSuccess,
				Message: fmt.Sprintf("Row %d is now valid", rowID),
			})
		}
		return
	}

	state.counter++
	if shouldEmitAt(state.counter) {
		t.emit(Notice{
			Type:       NoticeError,
			Message:    fmt.Sprintf("Row %d still has invalid fields", rowID),
			Suggestion: "Fix the highlighted fields before committing",
		})
	}
}

// Forget drops the throttle state for a row, typically after it leaves the
// working set.
func (t *Throttle) Forget(rowID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, rowID)
}

func (t *Throttle) emit(n Notice) {
	if t.notifier != nil {
		t.notifier.Emit(n)
	}
}

// shouldEmitAt implements the decaying schedule: 1, 3, 6, 9, 12, then every
// 3rd count thereafter.
func shouldEmitAt(counter int) bool {
	return counter == 1 || (counter >= 3 && counter%3 == 0)
}
