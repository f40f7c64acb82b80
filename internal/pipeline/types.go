// Package pipeline provides the business logic for bulk client and loan
// imports. This package has no HTTP dependencies and can be driven by any
// frontend.
//
// A batch moves through four stages: ingestion (raw rows to validated
// candidate records), duplicate analysis (collisions within the batch),
// conflict resolution (collisions against the remote store, gated on an
// explicit confirmation), and commit (one record at a time, with per-row
// outcome bookkeeping).
package pipeline

import (
	"hash/fnv"
	"maps"
	"sort"
)

// RecordType identifies which sheet layout a batch was imported from.
type RecordType string

const (
	RecordClients RecordType = "clients"
	RecordLoans   RecordType = "loans"
)

// CommitState tracks a candidate record's progress toward the remote store.
type CommitState string

const (
	StatePending    CommitState = "pending"
	StateCommitting CommitState = "committing"
	StateCommitted  CommitState = "committed"
	StateFailed     CommitState = "failed"
)

// KeyType identifies one duplicate-detection key.
type KeyType string

const (
	KeyNationalID KeyType = "national_id"
	KeyFullName   KeyType = "full_name"
	KeyEmail      KeyType = "email"
	KeyPhone      KeyType = "phone"
)

// FieldResult is the outcome of validating a single field.
type FieldResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// RawRow is one data row from the uploaded sheet, after the header row has
// been discarded. Line is the 1-based position within the data rows and
// becomes the record's stable RowID.
type RawRow struct {
	Line  int
	Cells []string
}

// CandidateRecord is one parsed, validated row that has not yet been
// committed to the remote store.
type CandidateRecord struct {
	RowID         int                    `json:"rowId"`
	Type          RecordType             `json:"type"`
	Fields        map[string]string      `json:"fields"`
	Validation    map[string]FieldResult `json:"validation"`
	HasErrors     bool                   `json:"hasErrors"`
	DuplicateKeys map[KeyType]bool       `json:"duplicateKeys,omitempty"`
	CommitState   CommitState            `json:"commitState"`
	LastError     string                 `json:"lastError,omitempty"`
}

// SetField updates one field value, re-validates it against the registry and
// recomputes HasErrors. HasErrors is never left stale after a mutation.
func (c *CandidateRecord) SetField(name, value string, reg *Registry) {
	c.Fields[name] = reg.Normalize(name, value)
	if _, tracked := c.Validation[name]; tracked {
		c.Validation[name] = reg.Validate(name, value)
	}
	c.recomputeErrors()
}

// recomputeErrors derives HasErrors from the mandatory fields only; optional
// fields keep their validation results as non-blocking advisories.
func (c *CandidateRecord) recomputeErrors() {
	for _, field := range mandatoryFields[c.Type] {
		if res, ok := c.Validation[field]; ok && !res.Valid {
			c.HasErrors = true
			return
		}
	}
	c.HasErrors = false
}

// Clone returns a deep copy of the record, detached from the working set.
// Snapshots hand out clones so readers never observe an in-flight commit's
// state writes.
func (c *CandidateRecord) Clone() *CandidateRecord {
	out := *c
	out.Fields = maps.Clone(c.Fields)
	out.Validation = maps.Clone(c.Validation)
	out.DuplicateKeys = maps.Clone(c.DuplicateKeys)
	return &out
}

// Field returns the normalized value for a field, or "" if absent.
func (c *CandidateRecord) Field(name string) string {
	return c.Fields[name]
}

// IsDuplicate reports whether the record collides with another batch row on
// any key type.
func (c *CandidateRecord) IsDuplicate() bool {
	return len(c.DuplicateKeys) > 0
}

// Committable reports whether the record is eligible for the conflict check
// and commit stages: valid, duplicate-free and still pending.
func (c *CandidateRecord) Committable() bool {
	return !c.HasErrors && !c.IsDuplicate() && c.CommitState == StatePending
}

// FieldsHash returns a stable hash of the record's current field values.
// The notification throttle uses it to detect whether a row's content
// changed between validation events.
func (c *CandidateRecord) FieldsHash() uint64 {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(c.Fields[name]))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// KeyIndex maps a normalized key value to its occurrence count within the
// current batch. It is a pure function of the record list.
type KeyIndex map[string]int

// DuplicateReport is the result of intra-batch duplicate analysis.
type DuplicateReport struct {
	// Indexes holds the per-key-type occurrence counts.
	Indexes map[KeyType]KeyIndex

	// Duplicates maps a rowId to the key types on which it collides with at
	// least one other row. Rows with no collisions are absent.
	Duplicates map[int][]KeyType
}

// ConflictDetail describes one remote record that already holds a
// conflicting key, for the operator deciding whether to proceed.
type ConflictDetail struct {
	Key      string `json:"key"`
	RecordID string `json:"recordId,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

// ConflictReport is the result of checking committable candidates against
// the remote store.
type ConflictReport struct {
	Checked     int              `json:"checked"`
	Conflicting []string         `json:"conflicting,omitempty"` // key values already in the remote store
	Existing    []ConflictDetail `json:"existing,omitempty"`    // the remote records holding them
	Rows        []int            `json:"rows,omitempty"`        // rowIds holding those values
	CleanRows   []int            `json:"cleanRows"`             // rowIds safe to commit
}

// HasConflicts reports whether an explicit confirmation is required before
// committing.
func (r ConflictReport) HasConflicts() bool {
	return len(r.Conflicting) > 0
}

// CommitReport aggregates per-row outcomes of a batch commit. It is created
// when the commit starts and discarded with the batch; it is never persisted
// across batches.
type CommitReport struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Succeeded []int          `json:"succeeded"`
	Failed    map[int]string `json:"failed,omitempty"`

	// BatchComplete is true when every record of the original batch has been
	// committed and the pending set is empty.
	BatchComplete bool `json:"batchComplete"`
}

// NoticeType classifies a user-facing notification.
type NoticeType string

const (
	NoticeError   NoticeType = "error"
	NoticeWarning NoticeType = "warning"
	NoticeSuccess NoticeType = "success"
)

// Notice is one fire-and-forget, auto-expiring user notification.
type Notice struct {
	Type       NoticeType `json:"type"`
	Message    string     `json:"message"`
	Suggestion string     `json:"suggestion,omitempty"`
}

// Notifier receives user-facing notifications. Implementations must not
// block; the pipeline emits and moves on.
type Notifier interface {
	Emit(n Notice)
}

// NoticeFunc adapts a function to the Notifier interface.
type NoticeFunc func(n Notice)

// Emit calls f(n).
func (f NoticeFunc) Emit(n Notice) { f(n) }
