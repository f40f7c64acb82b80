package pipeline

// commit.go submits accepted candidates to the remote store, one at a time.
//
// Rows are attempted strictly in input order and the working set is mutated
// only after a row's outcome is known, so no two rows are ever concurrently
// in flight. Sequential submission is a deliberate trade-off for simple
// partial-failure bookkeeping and backend load control.

import (
	"context"
	"errors"
	"sync"

	"github.com/credimax/importer/internal/remote"
)

// ErrServiceUnavailable is the session-level error raised when the remote
// store returns a 5xx or is unreachable mid-batch. Remaining unattempted
// rows are left Pending; retrying immediately would only storm a down
// backend.
var ErrServiceUnavailable = errors.New("remote store unavailable, remaining rows left pending")

// Engine commits candidate records to the remote store.
type Engine struct {
	store remote.Store
}

// NewEngine creates a commit engine backed by the given remote store.
func NewEngine(store remote.Store) *Engine {
	return &Engine{store: store}
}

// CommitHooks wires a commit run back to the owner of the records.
type CommitHooks struct {
	// Sync, when non-nil, is held for every record state write, so readers
	// holding the same lock always observe a consistent record.
	Sync sync.Locker

	// OnCommitted runs right after each successful create, outside Sync, so
	// the owner can drop the row from its pending set before the next row is
	// attempted; a committed row can never be double-submitted.
	OnCommitted func(*CandidateRecord)
}

func (h CommitHooks) write(fn func()) {
	if h.Sync != nil {
		h.Sync.Lock()
		defer h.Sync.Unlock()
	}
	fn()
}

// CommitAll submits the given records sequentially. Per row: build the
// final payload, call the remote create, and record the outcome. A row
// rejected by the store (4xx) is marked Failed with the extracted reason
// and the loop continues; one row's failure never aborts the batch. A
// service-level failure (5xx, unreachable) stops the loop immediately: the
// failing row and every unattempted row stay Pending and the returned error
// wraps ErrServiceUnavailable.
//
// Every state mutation that follows an awaited remote call first checks the
// context; once it is torn down the result is silently discarded.
func (e *Engine) CommitAll(ctx context.Context, records []*CandidateRecord, hooks CommitHooks) (*CommitReport, error) {
	report := &CommitReport{
		Total:  len(records),
		Failed: make(map[int]string),
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		err := e.commit(ctx, rec, report, hooks)
		if err != nil {
			return report, err
		}
	}

	return report, nil
}

// CommitOne submits a single record with identical normalization and
// bookkeeping to CommitAll, for ad hoc single-row commits.
func (e *Engine) CommitOne(ctx context.Context, rec *CandidateRecord, hooks CommitHooks) (*CommitReport, error) {
	report := &CommitReport{
		Total:  1,
		Failed: make(map[int]string),
	}
	err := e.commit(ctx, rec, report, hooks)
	return report, err
}

func (e *Engine) commit(ctx context.Context, rec *CandidateRecord, report *CommitReport, hooks CommitHooks) error {
	if !rec.Committable() {
		report.Processed++
		report.Failed[rec.RowID] = "row is not committable"
		return nil
	}

	hooks.write(func() { rec.CommitState = StateCommitting })
	payload := BuildPayload(rec)

	_, err := e.store.CreateRecord(ctx, string(rec.Type), payload)

	// Liveness guard: the consuming context may have been torn down while
	// the call was in flight.
	if ctx.Err() != nil {
		hooks.write(func() { rec.CommitState = StatePending })
		return ctx.Err()
	}

	switch {
	case err == nil:
		hooks.write(func() {
			rec.CommitState = StateCommitted
			rec.LastError = ""
		})
		report.Processed++
		report.Succeeded = append(report.Succeeded, rec.RowID)
		if hooks.OnCommitted != nil {
			hooks.OnCommitted(rec)
		}
	case remote.IsClientError(err):
		reason := reasonFromError(err)
		hooks.write(func() {
			rec.CommitState = StateFailed
			rec.LastError = reason
		})
		report.Processed++
		report.Failed[rec.RowID] = reason
	default:
		// Service-level failure. The row was never acknowledged; put it
		// back in the pending set and stop the batch.
		hooks.write(func() { rec.CommitState = StatePending })
		return errors.Join(ErrServiceUnavailable, err)
	}
	return nil
}

// reasonFromError extracts the per-row failure reason from a remote
// rejection, never exposing raw transport detail.
func reasonFromError(err error) string {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "rejected by the remote store"
}
