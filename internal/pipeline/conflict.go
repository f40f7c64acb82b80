package pipeline

// conflict.go checks committable candidates against the remote store before
// any create is issued. The remote store is the sole authority on key
// existence; a failed check aborts the whole attempt rather than guessing.

import (
	"context"
	"fmt"
	"sort"

	"github.com/credimax/importer/internal/remote"
)

// Resolver performs the pre-commit existence check and gates conflicting
// batches on an explicit confirmation.
type Resolver struct {
	store    remote.Store
	registry *Registry
}

// NewResolver creates a resolver backed by the given remote store.
func NewResolver(store remote.Store, reg *Registry) *Resolver {
	return &Resolver{store: store, registry: reg}
}

// Check extracts one remote-checkable key (the national id) per committable
// record and issues a single batched existence check. Rows carrying the
// blank-id placeholder or the sentinel have no checkable key and pass
// through as clean.
//
// With zero conflicts the clean set is the whole input. With one or more
// conflicts the caller must obtain an explicit confirmation before
// committing the clean subset; conflicting rows stay Pending, untouched.
func (r *Resolver) Check(ctx context.Context, records []*CandidateRecord) (ConflictReport, error) {
	report := ConflictReport{}

	keyRows := make(map[string][]int)
	var keys []string
	for _, rec := range records {
		if !rec.Committable() {
			continue
		}
		report.Checked++

		key, ok := r.checkableKey(rec)
		if !ok {
			report.CleanRows = append(report.CleanRows, rec.RowID)
			continue
		}
		if _, seen := keyRows[key]; !seen {
			keys = append(keys, key)
		}
		keyRows[key] = append(keyRows[key], rec.RowID)
	}

	existing, err := r.store.CheckExisting(ctx, keys)
	if err != nil {
		return ConflictReport{}, fmt.Errorf("existence check failed: %w", err)
	}

	conflicting := make(map[string]bool, len(existing))
	for _, key := range existing {
		conflicting[key] = true
	}

	for _, key := range keys {
		if conflicting[key] {
			report.Conflicting = append(report.Conflicting, key)
			report.Existing = append(report.Existing, r.existingDetail(ctx, key))
			report.Rows = append(report.Rows, keyRows[key]...)
		} else {
			report.CleanRows = append(report.CleanRows, keyRows[key]...)
		}
	}
	sort.Ints(report.Rows)
	sort.Ints(report.CleanRows)

	return report, nil
}

// existingDetail fetches the remote record holding a conflicting key so the
// confirmation dialog can show what is already there. The lookup is best
// effort: the existence itself was already established, so a failed fetch
// degrades to a key-only detail instead of aborting the check.
func (r *Resolver) existingDetail(ctx context.Context, key string) ConflictDetail {
	detail := ConflictDetail{Key: key}

	rec, err := r.store.GetByKey(ctx, key)
	if err != nil {
		return detail
	}
	detail.RecordID = rec.ID
	if name, ok := rec.Fields["fullName"].(string); ok {
		detail.FullName = name
	}
	return detail
}

// Resolve returns the final committable set for a checked batch: the
// records whose row ids are in the report's clean subset, in input order.
func (r *Resolver) Resolve(report ConflictReport, records []*CandidateRecord) []*CandidateRecord {
	clean := make(map[int]bool, len(report.CleanRows))
	for _, id := range report.CleanRows {
		clean[id] = true
	}

	var out []*CandidateRecord
	for _, rec := range records {
		if clean[rec.RowID] && rec.Committable() {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Resolver) checkableKey(rec *CandidateRecord) (string, bool) {
	v := rec.Field(FieldNationalID)
	if v == "" || v == DefaultNationalID || r.registry.IsSentinel(v) {
		return "", false
	}
	return v, true
}
