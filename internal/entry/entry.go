// Package entry holds the client-side view of a study entry and the identity rules used to merge the
// local mutation queue with the remote authoritative set.
package entry

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks identifiers minted on this device for entries the remote store has not seen yet.
const LocalIDPrefix = "local-"

var (
	// ErrEmptyContent indicates a draft whose content is blank after trimming.
	ErrEmptyContent = errors.New("entry: content must not be empty")
	// ErrInvalidKey indicates a key that is neither a remote id nor a local id.
	ErrInvalidKey = errors.New("entry: invalid key")
)

// SyncStatus annotates entries with their delivery state. It never travels to the remote store.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
)

// Entry is a study item as exchanged with the remote store and kept in the local queue.
type Entry struct {
	ID         int64      `json:"id,omitempty"`
	LocalID    string     `json:"client_id,omitempty"`
	Content    string     `json:"content"`
	Source     string     `json:"source"`
	Note       string     `json:"note"`
	EntryType  string     `json:"entry_type,omitempty"`
	AIAnalysis string     `json:"ai_analysis,omitempty"`
	Tags       string     `json:"tags"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeviceID   string     `json:"device_id,omitempty"`
	Version    int64      `json:"version"`
	Deleted    bool       `json:"deleted"`
	SyncStatus SyncStatus `json:"-"`
}

// Key identifies an entry across the local and remote namespaces.
type Key string

// Key returns the remote id when assigned, otherwise the local id.
func (e Entry) Key() Key {
	if e.ID > 0 {
		return RemoteKey(e.ID)
	}
	return Key(e.LocalID)
}

// Keys returns every identity the entry answers to. A round-tripped offline create answers to both its
// server id and the local id it was queued under.
func (e Entry) Keys() []Key {
	keys := make([]Key, 0, 2)
	if e.ID > 0 {
		keys = append(keys, RemoteKey(e.ID))
	}
	if e.LocalID != "" {
		keys = append(keys, Key(e.LocalID))
	}
	return keys
}

// Pending reports whether the entry still waits for a reconciliation round.
func (e Entry) Pending() bool {
	return e.SyncStatus == SyncStatusPending
}

// RemoteKey builds the key for a server-assigned id.
func RemoteKey(id int64) Key {
	return Key(strconv.FormatInt(id, 10))
}

// ParseKey validates user input as either a positive remote id or a local id.
func ParseKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, LocalIDPrefix) && len(trimmed) > len(LocalIDPrefix) {
		return Key(trimmed), nil
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id <= 0 {
		return "", ErrInvalidKey
	}
	return RemoteKey(id), nil
}

// RemoteID returns the server id encoded in the key, if any.
func (k Key) RemoteID() (int64, bool) {
	if k.IsLocal() {
		return 0, false
	}
	id, err := strconv.ParseInt(string(k), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsLocal reports whether the key lives in the local namespace.
func (k Key) IsLocal() bool {
	return strings.HasPrefix(string(k), LocalIDPrefix)
}

func (k Key) String() string {
	return string(k)
}

// NewLocalID mints a time-ordered local identifier.
func NewLocalID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return LocalIDPrefix + value.String(), nil
}

// Draft is the user input for a new entry.
type Draft struct {
	Content string
	Source  string
	Note    string
}

// Normalize trims every field and rejects blank content.
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

// SimilarEntry pairs a neighbour with its score.
type SimilarEntry struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// SortByCreatedDesc orders entries newest first, breaking ties by remote id then key.
func SortByCreatedDesc(list []Entry) {
	sort.SliceStable(list, func(i, j int) bool {
		left, right := list[i], list[j]
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		if left.ID != right.ID {
			return left.ID > right.ID
		}
		return left.Key() > right.Key()
	})
}

// Collapse keeps one mutation per key, the one with the latest UpdatedAt. A later position wins ties.
// The result keeps the order in which each key first appeared.
func Collapse(list []Entry) []Entry {
	if len(list) == 0 {
		return nil
	}
	order := make([]Key, 0, len(list))
	latest := make(map[Key]Entry, len(list))
	for _, candidate := range list {
		key := candidate.Key()
		current, seen := latest[key]
		if !seen {
			order = append(order, key)
			latest[key] = candidate
			continue
		}
		if !candidate.UpdatedAt.Before(current.UpdatedAt) {
			latest[key] = candidate
		}
	}
	collapsed := make([]Entry, 0, len(order))
	for _, key := range order {
		collapsed = append(collapsed, latest[key])
	}
	return collapsed
}

// Conflict pairs a queued local mutation with the server's newer version of the same entry.
type Conflict struct {
	Local  Entry `json:"local"`
	Server Entry `json:"server"`
}
