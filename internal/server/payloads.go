package server

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entries"
)

type entryPayload struct {
	ID         int64     `json:"id,omitempty"`
	ClientID   string    `json:"client_id,omitempty"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Note       string    `json:"note"`
	EntryType  string    `json:"entry_type,omitempty"`
	AIAnalysis string    `json:"ai_analysis,omitempty"`
	Tags       string    `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	DeviceID   string    `json:"device_id,omitempty"`
	Version    int64     `json:"version"`
	Deleted    bool      `json:"deleted"`
}

type createEntryRequestPayload struct {
	Content string `json:"content"`
	Source  string `json:"source"`
	Note    string `json:"note"`
}

type similarEntryPayload struct {
	Entry entryPayload `json:"entry"`
	Score float64      `json:"score"`
}

type syncRequestPayload struct {
	DeviceID     string         `json:"device_id"`
	LastSyncTime *time.Time     `json:"last_sync_time"`
	LocalEntries []entryPayload `json:"local_entries"`
}

type conflictPayload struct {
	Local  entryPayload `json:"local"`
	Server entryPayload `json:"server"`
}

type syncResponsePayload struct {
	ServerEntries []entryPayload    `json:"server_entries"`
	Conflicts     []conflictPayload `json:"conflicts"`
	LastSyncTime  time.Time         `json:"last_sync_time"`
}

func toEntryPayload(entry entries.Entry) entryPayload {
	return entryPayload{
		ID:         entry.ID,
		ClientID:   entry.ClientIdentifier(),
		Content:    entry.Content,
		Source:     entry.Source,
		Note:       entry.Note,
		EntryType:  entry.EntryType,
		AIAnalysis: entry.AIAnalysis,
		Tags:       entry.Tags,
		CreatedAt:  entry.CreatedAt.UTC(),
		UpdatedAt:  entry.UpdatedAt.UTC(),
		DeviceID:   entry.DeviceID,
		Version:    entry.Version,
		Deleted:    entry.Deleted,
	}
}

func toEntryPayloads(list []entries.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(list))
	for _, entry := range list {
		payloads = append(payloads, toEntryPayload(entry))
	}
	return payloads
}

func (p entryPayload) toMutation() entries.Mutation {
	return entries.Mutation{
		ID:         p.ID,
		ClientID:   strings.TrimSpace(p.ClientID),
		Content:    p.Content,
		Source:     p.Source,
		Note:       p.Note,
		EntryType:  p.EntryType,
		AIAnalysis: p.AIAnalysis,
		Tags:       p.Tags,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
		DeviceID:   p.DeviceID,
		Version:    p.Version,
		Deleted:    p.Deleted,
	}
}

func fromMutation(mutation entries.Mutation) entryPayload {
	return entryPayload{
		ID:         mutation.ID,
		ClientID:   mutation.ClientID,
		Content:    mutation.Content,
		Source:     mutation.Source,
		Note:       mutation.Note,
		EntryType:  mutation.EntryType,
		AIAnalysis: mutation.AIAnalysis,
		Tags:       mutation.Tags,
		CreatedAt:  mutation.CreatedAt,
		UpdatedAt:  mutation.UpdatedAt,
		DeviceID:   mutation.DeviceID,
		Version:    mutation.Version,
		Deleted:    mutation.Deleted,
	}
}
