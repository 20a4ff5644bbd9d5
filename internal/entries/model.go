package entries

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationType enumerates the writes recorded in the audit trail.
type OperationType string

const (
	// OperationTypeCreate records a new entry.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate records a field change from a reconciled mutation.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete records a tombstone.
	OperationTypeDelete OperationType = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("entries: invalid user id")
	// ErrInvalidEntryID indicates a non-positive entry identifier.
	ErrInvalidEntryID = errors.New("entries: invalid entry id")
	// ErrEmptyContent indicates that trimmed content is empty.
	ErrEmptyContent = errors.New("entries: content is empty")
	// ErrEntryNotFound indicates that no live entry exists for the user and id.
	ErrEntryNotFound = errors.New("entries: entry not found")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Entry is the persisted study item.
type Entry struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_entries_user_created,priority:1;uniqueIndex:idx_entries_user_client,priority:1"`
	ClientID   *string   `gorm:"column:client_id;size:190;uniqueIndex:idx_entries_user_client,priority:2"`
	Content    string    `gorm:"column:content;type:text;not null"`
	EntryType  string    `gorm:"column:entry_type;size:32;not null"`
	Source     string    `gorm:"column:source;type:text;not null;default:''"`
	Note       string    `gorm:"column:note;type:text;not null;default:''"`
	AIAnalysis string    `gorm:"column:ai_analysis;type:text;not null;default:''"`
	Tags       string    `gorm:"column:tags;type:text;not null;default:''"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_entries_user_created,priority:2"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
	Deleted    bool      `gorm:"column:deleted;not null;default:false"`
	DeviceID   string    `gorm:"column:device_id;size:190;not null;default:''"`
	Version    int64     `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// ClientIdentifier returns the local identifier of the offline create that produced this entry.
func (e Entry) ClientIdentifier() string {
	if e.ClientID == nil {
		return ""
	}
	return *e.ClientID
}

// EntryChange captures an append-only audit trail for accepted writes.
type EntryChange struct {
	ChangeID        string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID          string        `gorm:"column:user_id;size:190;not null;index:idx_entry_changes_user_time,priority:1"`
	EntryID         int64         `gorm:"column:entry_id;not null"`
	AppliedAt       time.Time     `gorm:"column:applied_at;not null;index:idx_entry_changes_user_time,priority:2"`
	DeviceID        string        `gorm:"column:device_id;size:190;not null;default:''"`
	Operation       OperationType `gorm:"column:op;size:16;not null"`
	Content         string        `gorm:"column:content;type:text;not null"`
	PreviousVersion *int64        `gorm:"column:prev_version"`
	NewVersion      int64         `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntryChange) TableName() string {
	return "entry_changes"
}

// Draft is the user-supplied part of a new entry.
type Draft struct {
	Content string
	Source  string
	Note    string
}

// Normalize trims the draft and rejects empty content.
func (d Draft) Normalize() (Draft, error) {
	normalized := Draft{
		Content: strings.TrimSpace(d.Content),
		Source:  strings.TrimSpace(d.Source),
		Note:    strings.TrimSpace(d.Note),
	}
	if normalized.Content == "" {
		return Draft{}, ErrEmptyContent
	}
	return normalized, nil
}

// Mutation is one locally queued entry submitted for reconciliation. ID is zero for entries created
// offline, which are identified by ClientID instead. Version is the server version the device last saw.
type Mutation struct {
	ID         int64
	ClientID   string
	Content    string
	Source     string
	Note       string
	EntryType  string
	AIAnalysis string
	Tags       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeviceID   string
	Version    int64
	Deleted    bool
}

// Conflict pairs a rejected local mutation with the server's current entry.
type Conflict struct {
	Local  Mutation
	Server Entry
}

// ReconcileResult is the outcome of one reconciliation batch.
type ReconcileResult struct {
	ServerEntries []Entry
	Conflicts     []Conflict
	SyncTimestamp time.Time
}

// SimilarEntry is an entry ranked by similarity to another entry.
type SimilarEntry struct {
	Entry Entry
	Score float64
}

// ListOptions bounds ListEntries.
type ListOptions struct {
	Offset int
	Limit  int
}
