// Package answers holds the in-memory answer store of a running attempt. It is the
// single source of truth for what should be persisted next.
package answers

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/stemsi/exstem-client/internal/model"
)

// ErrEmptyQuestionID is returned by Set when the question id is blank.
var ErrEmptyQuestionID = errors.New("question id is required")

type entry struct {
	value    json.RawMessage
	dirty    bool
	revision uint64
}

// Store maps question id to its current answer. Absence means unanswered.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   uint64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Set records value for questionID (last write wins) and marks it dirty.
func (s *Store) Set(questionID string, value json.RawMessage) error {
	if questionID == "" {
		return ErrEmptyQuestionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	e, ok := s.entries[questionID]
	if !ok {
		e = &entry{}
		s.entries[questionID] = e
	}
	e.value = append(json.RawMessage(nil), value...)
	e.dirty = true
	e.revision = s.clock
	return nil
}

// Get returns the current answer for questionID.
func (s *Store) Get(questionID string) (model.AnswerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[questionID]
	if !ok {
		return model.AnswerRecord{}, false
	}
	return e.record(questionID), true
}

// SnapshotDirty copies every dirty record, tagged with its revision. The store is
// not modified: a record only becomes clean through MarkClean, and only if it has
// not been edited since the snapshot. A failed flush therefore loses nothing.
func (s *Store) SnapshotDirty() []model.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AnswerRecord, 0, len(s.entries))
	for qid, e := range s.entries {
		if e.dirty {
			out = append(out, e.record(qid))
		}
	}
	sortRecords(out)
	return out
}

// Snapshot copies every record, dirty or not.
func (s *Store) Snapshot() []model.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AnswerRecord, 0, len(s.entries))
	for qid, e := range s.entries {
		out = append(out, e.record(qid))
	}
	sortRecords(out)
	return out
}

// MarkClean clears the dirty flag of each flushed record whose revision is still
// current. Records edited while the flush was in flight stay dirty.
func (s *Store) MarkClean(flushed []model.AnswerRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleaned := 0
	for _, rec := range flushed {
		e, ok := s.entries[rec.QuestionID]
		if !ok || e.revision != rec.Revision {
			continue
		}
		if e.dirty {
			e.dirty = false
			cleaned++
		}
	}
	return cleaned
}

// Seed loads answers already acknowledged by the backend, as clean records.
// Existing local edits win over seeded values.
func (s *Store) Seed(records []model.AnswerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if _, ok := s.entries[rec.QuestionID]; ok || rec.QuestionID == "" {
			continue
		}
		s.clock++
		s.entries[rec.QuestionID] = &entry{
			value:    append(json.RawMessage(nil), rec.Value...),
			revision: s.clock,
		}
	}
}

// Len returns the number of answered questions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DirtyCount returns the number of answers not yet acknowledged by the backend.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

func (e *entry) record(qid string) model.AnswerRecord {
	return model.AnswerRecord{
		QuestionID: qid,
		Value:      append(json.RawMessage(nil), e.value...),
		Dirty:      e.dirty,
		Revision:   e.revision,
	}
}

func sortRecords(recs []model.AnswerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].QuestionID < recs[j].QuestionID })
}
