package pipeline

// service.go owns the batch sessions. Each batch runs the full pipeline:
// ingest, duplicate analysis, conflict check, gated commit. A batch session
// holds one working set of candidate records; rows leave it only on
// successful commit, never on validation failure, so the operator can
// always fix and retry.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/credimax/importer/internal/audit"
	"github.com/credimax/importer/internal/remote"
)

// CleanupDelay is how long a finished batch session stays queryable before
// being discarded.
var CleanupDelay = 5 * time.Minute

// BatchTTL is the maximum lifetime of a batch session, finished or not.
// Expiry frees the session's limiter slot; committed rows stay committed.
var BatchTTL = time.Hour

// ErrBatchNotFound is returned for unknown or expired batch ids.
var ErrBatchNotFound = errors.New("batch not found")

// ErrRowNotFound is returned when a row id is not in the working set.
var ErrRowNotFound = errors.New("row not found")

// ErrCommitInProgress is returned when a commit is already running for the
// batch. A batch commits at most one row at a time, never concurrently.
var ErrCommitInProgress = errors.New("a commit is already in progress for this batch")

// ConfirmationRequiredError is returned when the conflict check found keys
// that already exist in the remote store. Nothing is committed until the
// caller explicitly confirms proceeding with the conflict-free subset.
type ConfirmationRequiredError struct {
	Report ConflictReport
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("confirmation required: %d key(s) already exist in the remote store", len(e.Report.Conflicting))
}

// Service provides the import pipeline operations over managed batch
// sessions.
type Service struct {
	registry *Registry
	ingestor *Ingestor
	analyzer *Analyzer
	resolver *Resolver
	engine   *Engine
	notifier Notifier
	auditor  audit.Recorder
	limiter  *BatchLimiter

	mu      sync.RWMutex
	batches map[string]*batchSession
}

// batchSession is one active batch and its throttle state.
type batchSession struct {
	ID        string
	Type      RecordType
	FileName  string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	throttle *Throttle

	mu         sync.Mutex
	records    []*CandidateRecord // working set, input order
	total      int                // size of the original batch
	committed  int
	committing bool
	cleanedUp  bool
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store                remote.Store
	Notifier             Notifier
	Auditor              audit.Recorder
	MaxConcurrentBatches int
	MaxWaitTime          time.Duration
}

// NewService wires the pipeline components together.
func NewService(opts ServiceOptions) *Service {
	reg := NewRegistry()
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.NoopRecorder{}
	}

	return &Service{
		registry: reg,
		ingestor: NewIngestor(reg),
		analyzer: NewAnalyzer(reg),
		resolver: NewResolver(opts.Store, reg),
		engine:   NewEngine(opts.Store),
		notifier: opts.Notifier,
		auditor:  auditor,
		limiter:  NewBatchLimiter(opts.MaxConcurrentBatches, opts.MaxWaitTime),
		batches:  make(map[string]*batchSession),
	}
}

// Registry exposes the validator registry, e.g. to install a dynamically
// loaded status set.
func (s *Service) Registry() *Registry { return s.registry }

// SetNotifier installs the notice sink. Must be called before the first
// batch is started.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// BatchState is a snapshot of a batch session for display.
type BatchState struct {
	ID         string             `json:"id"`
	Type       RecordType         `json:"type"`
	FileName   string             `json:"fileName"`
	Total      int                `json:"total"`
	Committed  int                `json:"committed"`
	Pending    []*CandidateRecord `json:"pending"`
	Duplicates map[int][]KeyType  `json:"duplicates,omitempty"`
	Complete   bool               `json:"complete"`
}

// StartBatch ingests raw rows into a new batch session, validates every
// mandatory field and runs the intra-batch duplicate analysis. The rows
// must already have their header discarded.
func (s *Service) StartBatch(ctx context.Context, t RecordType, fileName string, rows []RawRow) (*BatchState, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	records := s.ingestor.Ingest(rows, t)
	if len(records) == 0 {
		s.limiter.Release()
		return nil, errors.New("empty file: no data rows")
	}
	report := s.analyzer.Analyze(records, KeyTypesFor(t))

	batchCtx, cancel := context.WithCancel(context.Background())
	batch := &batchSession{
		ID:        uuid.New().String(),
		Type:      t,
		FileName:  fileName,
		CreatedAt: time.Now(),
		ctx:       batchCtx,
		cancel:    cancel,
		throttle:  NewThrottle(s.notifier),
		records:   records,
		total:     len(records),
	}

	s.mu.Lock()
	s.batches[batch.ID] = batch
	s.mu.Unlock()
	s.scheduleCleanup(batch.ID, BatchTTL)

	s.auditor.Record(ctx, audit.ActionBatchStarted, batch.ID, 0, map[string]any{
		"type":       string(t),
		"fileName":   fileName,
		"rows":       len(records),
		"duplicates": len(report.Duplicates),
	})
	slog.Info("batch started", "batch_id", batch.ID, "type", t, "rows", len(records))

	return s.snapshot(batch), nil
}

// Batch returns the current state of a batch session.
func (s *Service) Batch(batchID string) (*BatchState, error) {
	batch, err := s.get(batchID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(batch), nil
}

// EditField updates one field of one pending row: the field is re-validated,
// HasErrors recomputed, the duplicate analysis re-run for the whole batch
// and a validation event fed to the notification throttle. A previously
// Failed row returns to Pending so it can be retried.
func (s *Service) EditField(batchID string, rowID int, field, value string) (*CandidateRecord, error) {
	batch, err := s.get(batchID)
	if err != nil {
		return nil, err
	}

	batch.mu.Lock()
	defer batch.mu.Unlock()

	if batch.committing {
		return nil, ErrCommitInProgress
	}
	rec := batch.find(rowID)
	if rec == nil {
		return nil, ErrRowNotFound
	}
	if rec.CommitState == StateCommitting || rec.CommitState == StateCommitted {
		return nil, fmt.Errorf("row %d cannot be edited in state %s", rowID, rec.CommitState)
	}

	rec.SetField(field, value, s.registry)
	if rec.CommitState == StateFailed {
		rec.CommitState = StatePending
		rec.LastError = ""
	}

	s.analyzer.Analyze(batch.records, KeyTypesFor(batch.Type))
	batch.throttle.OnRowValidationChanged(rowID, rec.FieldsHash(), rec.HasErrors)

	return rec.Clone(), nil
}

// CheckConflicts runs the remote existence check for the batch's committable
// candidates without committing anything.
func (s *Service) CheckConflicts(ctx context.Context, batchID string) (ConflictReport, error) {
	batch, err := s.get(batchID)
	if err != nil {
		return ConflictReport{}, err
	}

	batch.mu.Lock()
	if batch.committing {
		batch.mu.Unlock()
		return ConflictReport{}, ErrCommitInProgress
	}
	records := append([]*CandidateRecord(nil), batch.records...)
	batch.mu.Unlock()

	report, err := s.resolver.Check(ctx, records)
	if err != nil {
		return ConflictReport{}, err
	}
	if report.HasConflicts() {
		s.auditor.Record(ctx, audit.ActionConflictDetected, batchID, 0, map[string]any{
			"conflicting": report.Conflicting,
			"rows":        report.Rows,
		})
	}
	return report, nil
}

// Commit runs the conflict check and, when clear or explicitly confirmed,
// commits the final committable set sequentially. The existence check always
// immediately precedes the commit; a stale earlier check is never trusted.
//
// With unconfirmed conflicts it returns *ConfirmationRequiredError carrying
// the decision point: the conflicting values and the conflict-free subset.
// Conflicting rows stay Pending, untouched, for manual resolution.
func (s *Service) Commit(ctx context.Context, batchID string, confirmed bool) (*CommitReport, error) {
	batch, err := s.get(batchID)
	if err != nil {
		return nil, err
	}

	batch.mu.Lock()
	if batch.committing {
		batch.mu.Unlock()
		return nil, ErrCommitInProgress
	}
	batch.committing = true
	batch.mu.Unlock()

	defer func() {
		batch.mu.Lock()
		batch.committing = false
		batch.mu.Unlock()
	}()

	batch.mu.Lock()
	records := append([]*CandidateRecord(nil), batch.records...)
	batch.mu.Unlock()

	report, err := s.resolver.Check(ctx, records)
	if err != nil {
		msg := ToUserMessage(err)
		s.notify(Notice{Type: NoticeError, Message: msg.Message, Suggestion: msg.Action})
		return nil, err
	}

	if report.HasConflicts() && !confirmed {
		s.auditor.Record(ctx, audit.ActionConflictDetected, batchID, 0, map[string]any{
			"conflicting": report.Conflicting,
			"rows":        report.Rows,
		})
		return nil, &ConfirmationRequiredError{Report: report}
	}
	if report.HasConflicts() {
		s.auditor.Record(ctx, audit.ActionConflictConfirmed, batchID, 0, map[string]any{
			"conflicting": report.Conflicting,
		})
	}

	committable := s.resolver.Resolve(report, records)

	commitCtx, cancelCommit := mergeDone(ctx, batch.ctx)
	defer cancelCommit()

	commitReport, commitErr := s.engine.CommitAll(commitCtx, committable, CommitHooks{
		Sync: &batch.mu,
		OnCommitted: func(rec *CandidateRecord) {
			batch.mu.Lock()
			batch.remove(rec.RowID)
			batch.committed++
			batch.mu.Unlock()
			batch.throttle.Forget(rec.RowID)
			s.auditor.Record(commitCtx, audit.ActionRowCommitted, batchID, rec.RowID, nil)
		},
	})

	for rowID, reason := range commitReport.Failed {
		s.auditor.Record(ctx, audit.ActionRowFailed, batchID, rowID, map[string]any{"reason": reason})
	}

	batch.mu.Lock()
	commitReport.BatchComplete = len(batch.records) == 0
	batch.mu.Unlock()

	// The session summary is always shown, regardless of outcome.
	s.notifySummary(commitReport)
	if commitErr != nil {
		msg := ToUserMessage(commitErr)
		s.notify(Notice{Type: NoticeError, Message: msg.Message, Suggestion: msg.Action})
		slog.Warn("batch commit aborted", "batch_id", batchID, "processed", commitReport.Processed, "error", commitErr)
		return commitReport, commitErr
	}

	s.auditor.Record(ctx, audit.ActionBatchCommitted, batchID, 0, map[string]any{
		"succeeded": len(commitReport.Succeeded),
		"failed":    len(commitReport.Failed),
		"complete":  commitReport.BatchComplete,
	})
	slog.Info("batch commit finished",
		"batch_id", batchID,
		"succeeded", len(commitReport.Succeeded),
		"failed", len(commitReport.Failed),
		"complete", commitReport.BatchComplete,
	)

	if commitReport.BatchComplete {
		s.scheduleCleanup(batchID, CleanupDelay)
	}
	return commitReport, nil
}

// CommitRow commits a single row ad hoc, with the same normalization and
// bookkeeping as a batch commit. The row's key is existence-checked
// immediately before the create; a conflict fails the row rather than
// opening a confirmation gate. A batch commits at most one row at a time,
// so CommitRow holds the same committing flag as Commit.
func (s *Service) CommitRow(ctx context.Context, batchID string, rowID int) (*CommitReport, error) {
	batch, err := s.get(batchID)
	if err != nil {
		return nil, err
	}

	batch.mu.Lock()
	if batch.committing {
		batch.mu.Unlock()
		return nil, ErrCommitInProgress
	}
	rec := batch.find(rowID)
	if rec == nil {
		batch.mu.Unlock()
		return nil, ErrRowNotFound
	}
	batch.committing = true
	if rec.CommitState == StateFailed {
		rec.CommitState = StatePending
		rec.LastError = ""
	}
	batch.mu.Unlock()

	defer func() {
		batch.mu.Lock()
		batch.committing = false
		batch.mu.Unlock()
	}()

	report, err := s.resolver.Check(ctx, []*CandidateRecord{rec})
	if err != nil {
		return nil, err
	}
	if report.HasConflicts() {
		batch.mu.Lock()
		rec.CommitState = StateFailed
		rec.LastError = "national id already exists in the remote store"
		batch.mu.Unlock()
		s.auditor.Record(ctx, audit.ActionRowFailed, batchID, rowID, map[string]any{"reason": rec.LastError})
		return &CommitReport{Total: 1, Processed: 1, Failed: map[int]string{rowID: rec.LastError}}, nil
	}

	commitCtx, cancelCommit := mergeDone(ctx, batch.ctx)
	defer cancelCommit()

	commitReport, commitErr := s.engine.CommitOne(commitCtx, rec, CommitHooks{
		Sync: &batch.mu,
		OnCommitted: func(r *CandidateRecord) {
			batch.mu.Lock()
			batch.remove(r.RowID)
			batch.committed++
			batch.mu.Unlock()
			batch.throttle.Forget(r.RowID)
			s.auditor.Record(commitCtx, audit.ActionRowCommitted, batchID, r.RowID, nil)
		},
	})

	batch.mu.Lock()
	commitReport.BatchComplete = len(batch.records) == 0
	batch.mu.Unlock()

	s.notifySummary(commitReport)
	if commitErr != nil {
		return commitReport, commitErr
	}
	if commitReport.BatchComplete {
		s.scheduleCleanup(batchID, CleanupDelay)
	}
	return commitReport, nil
}

// Cancel abandons a batch. Rows already acknowledged by the remote store
// remain committed; no rollback of completed writes is attempted.
func (s *Service) Cancel(ctx context.Context, batchID string) error {
	batch, err := s.get(batchID)
	if err != nil {
		return err
	}

	batch.cancel()
	s.auditor.Record(ctx, audit.ActionBatchCancelled, batchID, 0, nil)
	slog.Info("batch cancelled", "batch_id", batchID)
	s.scheduleCleanup(batchID, CleanupDelay)
	return nil
}

// WaitForDrain blocks until all open batch sessions close, for graceful
// shutdown.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) get(batchID string) (*batchSession, error) {
	s.mu.RLock()
	batch, ok := s.batches[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch, nil
}

// snapshot deep-copies the working set under the session lock. Callers
// JSON-encode the result outside any lock, so it must be fully detached
// from the records a running commit is mutating.
func (s *Service) snapshot(batch *batchSession) *BatchState {
	batch.mu.Lock()
	defer batch.mu.Unlock()

	state := &BatchState{
		ID:        batch.ID,
		Type:      batch.Type,
		FileName:  batch.FileName,
		Total:     batch.total,
		Committed: batch.committed,
		Pending:   make([]*CandidateRecord, 0, len(batch.records)),
		Complete:  len(batch.records) == 0,
	}
	for _, rec := range batch.records {
		state.Pending = append(state.Pending, rec.Clone())
		if rec.IsDuplicate() {
			if state.Duplicates == nil {
				state.Duplicates = make(map[int][]KeyType)
			}
			for kt := range rec.DuplicateKeys {
				state.Duplicates[rec.RowID] = append(state.Duplicates[rec.RowID], kt)
			}
		}
	}
	return state
}

func (s *Service) scheduleCleanup(batchID string, after time.Duration) {
	time.AfterFunc(after, func() {
		s.mu.Lock()
		batch, ok := s.batches[batchID]
		if ok {
			delete(s.batches, batchID)
		}
		s.mu.Unlock()

		if ok {
			batch.mu.Lock()
			done := batch.cleanedUp
			batch.cleanedUp = true
			batch.mu.Unlock()
			if !done {
				batch.cancel()
				s.limiter.Release()
			}
		}
	})
}

func (s *Service) notify(n Notice) {
	if s.notifier != nil {
		s.notifier.Emit(n)
	}
}

func (s *Service) notifySummary(report *CommitReport) {
	noticeType := NoticeSuccess
	if len(report.Failed) > 0 {
		noticeType = NoticeWarning
	}
	s.notify(Notice{
		Type:    noticeType,
		Message: fmt.Sprintf("%d succeeded, %d failed", len(report.Succeeded), len(report.Failed)),
	})
}

func (b *batchSession) find(rowID int) *CandidateRecord {
	for _, rec := range b.records {
		if rec.RowID == rowID {
			return rec
		}
	}
	return nil
}

func (b *batchSession) remove(rowID int) {
	for i, rec := range b.records {
		if rec.RowID == rowID {
			b.records = append(b.records[:i], b.records[i+1:]...)
			return
		}
	}
}

// mergeDone derives a context cancelled when either the request context or
// the batch session context is torn down.
func mergeDone(req, session context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
