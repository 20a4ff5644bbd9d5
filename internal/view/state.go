// Package view holds the merged entry set and display state consumed by the presentation layer.
package view

import (
	"sync"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
)

// Status mirrors the sync engine state for display.
type Status string

// State is the single container for what the user currently sees. Every accessor copies out.
type State struct {
	mu       sync.RWMutex
	entries  []entry.Entry
	selected entry.Key
	similar  []entry.SimilarEntry
	status   Status
}

// New returns an empty State.
func New() *State {
	return &State{}
}

// Replace installs a freshly merged set. A selection that no longer resolves is cleared.
func (s *State) Replace(merged []entry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]entry.Entry(nil), merged...)
	s.dropStaleSelection()
}

// ApplyLocal shows an optimistic mutation immediately. Tombstones remove the entry from view.
func (s *State) ApplyLocal(mutation entry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.indexOf(mutation.Key())
	if mutation.Deleted {
		if index >= 0 {
			s.entries = append(s.entries[:index], s.entries[index+1:]...)
		}
		s.dropStaleSelection()
		return
	}
	if index >= 0 {
		s.entries[index] = mutation
	} else {
		s.entries = append(s.entries, mutation)
	}
	entry.SortByCreatedDesc(s.entries)
}

// RemoveRemote drops a confirmed remote entry by id.
func (s *State) RemoveRemote(id int64) {
	s.ApplyLocal(entry.Entry{ID: id, Deleted: true})
}

// Entries returns a copy of the visible set.
func (s *State) Entries() []entry.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entry.Entry(nil), s.entries...)
}

// Find resolves key against the visible set, matching either namespace.
func (s *State) Find(key entry.Key) (entry.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index := s.indexOf(key)
	if index < 0 {
		return entry.Entry{}, false
	}
	return s.entries[index], true
}

// Select marks key as the current entry and clears the previous similar list.
func (s *State) Select(key entry.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(key) < 0 {
		return false
	}
	s.selected = key
	s.similar = nil
	return true
}

// Selected returns the current entry, if any.
func (s *State) Selected() (entry.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return entry.Entry{}, false
	}
	index := s.indexOf(s.selected)
	if index < 0 {
		return entry.Entry{}, false
	}
	return s.entries[index], true
}

// SetSimilar records the neighbours of the current selection.
func (s *State) SetSimilar(similar []entry.SimilarEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.similar = append([]entry.SimilarEntry(nil), similar...)
}

// Similar returns a copy of the neighbours of the current selection.
func (s *State) Similar() []entry.SimilarEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entry.SimilarEntry(nil), s.similar...)
}

// SetStatus records the sync status shown to the user.
func (s *State) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Status returns the last recorded sync status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// dropStaleSelection clears the selection and its similar list once the selected entry left the set,
// whichever namespace it was selected by.
func (s *State) dropStaleSelection() {
	if s.selected == "" || s.indexOf(s.selected) >= 0 {
		return
	}
	s.selected = ""
	s.similar = nil
}

func (s *State) indexOf(key entry.Key) int {
	for index, candidate := range s.entries {
		for _, candidateKey := range candidate.Keys() {
			if candidateKey == key {
				return index
			}
		}
	}
	return -1
}
