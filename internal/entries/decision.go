package entries

import (
	"strings"
	"time"
)

type decisionKind int

const (
	decisionSkip decisionKind = iota
	decisionApply
	decisionConflict
)

func (k decisionKind) String() string {
	switch k {
	case decisionApply:
		return "apply"
	case decisionConflict:
		return "conflict"
	default:
		return "skip"
	}
}

// mutationOutcome captures the decision from decideMutation.
type mutationOutcome struct {
	Kind           decisionKind
	Updated        *Entry
	Audit          *EntryChange
	ContentChanged bool
}

// decideMutation decides what happens to a mutation that targets an existing remote entry.
// A missing or tombstoned target is skipped, a mutation that already matches the stored fields is
// skipped, a mutation based on an older version than the stored one is a conflict, and anything else
// is applied with the version advanced by one.
func decideMutation(existing *Entry, mutation Mutation, deviceID string, appliedAt time.Time) mutationOutcome {
	if existing == nil || existing.Deleted {
		return mutationOutcome{Kind: decisionSkip}
	}

	content := strings.TrimSpace(mutation.Content)
	source := strings.TrimSpace(mutation.Source)
	note := strings.TrimSpace(mutation.Note)
	if content == "" {
		content = existing.Content
	}

	if !mutation.Deleted && content == existing.Content && source == existing.Source && note == existing.Note {
		return mutationOutcome{Kind: decisionSkip}
	}

	if existing.Version > mutation.Version {
		copyStored := *existing
		return mutationOutcome{Kind: decisionConflict, Updated: &copyStored}
	}

	updated := *existing
	operation := OperationTypeUpdate
	contentChanged := false
	if mutation.Deleted {
		operation = OperationTypeDelete
		updated.Deleted = true
	} else {
		contentChanged = content != existing.Content
		updated.Content = content
		updated.Source = source
		updated.Note = note
	}

	if mutation.DeviceID != "" {
		deviceID = mutation.DeviceID
	}
	updated.DeviceID = deviceID
	updated.UpdatedAt = appliedAt
	updated.Version = existing.Version + 1

	previous := existing.Version
	audit := &EntryChange{
		UserID:          updated.UserID,
		EntryID:         updated.ID,
		AppliedAt:       appliedAt,
		DeviceID:        deviceID,
		Operation:       operation,
		Content:         updated.Content,
		PreviousVersion: &previous,
		NewVersion:      updated.Version,
	}

	return mutationOutcome{
		Kind:           decisionApply,
		Updated:        &updated,
		Audit:          audit,
		ContentChanged: contentChanged,
	}
}
