package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/gateway"
	"go.uber.org/zap"
)

// Create stores a new entry. Online it goes straight to the remote store; offline, or when the call
// fails in transport, the entry is queued under a local id and shown as pending.
func (e *Engine) Create(ctx context.Context, draft entry.Draft) (entry.Entry, error) {
	normalized, err := draft.Normalize()
	if err != nil {
		return entry.Entry{}, fmt.Errorf("%w: %w", gateway.ErrValidation, err)
	}
	deviceID, err := e.device.GetOrCreate(ctx)
	if err != nil {
		return entry.Entry{}, err
	}

	if e.network.Online() {
		created, err := e.remote.Create(ctx, normalized, deviceID)
		if err == nil {
			e.view.ApplyLocal(created)
			e.signal()
			return created, nil
		}
		if !errors.Is(err, gateway.ErrTransport) {
			return entry.Entry{}, err
		}
		e.logger.Warn("remote create failed; queuing locally", zap.Error(err))
	}

	localID, err := entry.NewLocalID()
	if err != nil {
		return entry.Entry{}, fmt.Errorf("syncengine: mint local id: %w", err)
	}
	now := e.clock().UTC()
	local := entry.Entry{
		LocalID:    localID,
		Content:    normalized.Content,
		Source:     normalized.Source,
		Note:       normalized.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
		DeviceID:   deviceID,
		SyncStatus: entry.SyncStatusPending,
	}
	if err := e.queue.Enqueue(ctx, local); err != nil {
		return entry.Entry{}, err
	}
	e.view.ApplyLocal(local)
	e.signal()
	return local, nil
}

// Delete tombstones the entry behind key. Entries the remote store has never seen, and any delete that
// cannot reach the remote store, are queued as tombstones and disappear from the view immediately.
func (e *Engine) Delete(ctx context.Context, key entry.Key) error {
	current, ok := e.view.Find(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, key)
	}
	deviceID, err := e.device.GetOrCreate(ctx)
	if err != nil {
		return err
	}

	if current.ID > 0 && e.network.Online() {
		err := e.remote.Delete(ctx, current.ID, deviceID)
		switch {
		case err == nil:
			e.view.RemoveRemote(current.ID)
			e.signal()
			return nil
		case errors.Is(err, gateway.ErrNotFound):
			e.view.RemoveRemote(current.ID)
			return err
		case !errors.Is(err, gateway.ErrTransport):
			return err
		}
		e.logger.Warn("remote delete failed; queuing tombstone", zap.Error(err))
	}

	tombstone := current
	tombstone.Deleted = true
	tombstone.UpdatedAt = e.clock().UTC()
	tombstone.DeviceID = deviceID
	tombstone.SyncStatus = entry.SyncStatusPending
	if err := e.queue.Enqueue(ctx, tombstone); err != nil {
		return err
	}
	e.view.ApplyLocal(tombstone)
	e.signal()
	return nil
}

// Resolve closes the conflict for key. KeepLocal queues the local edit again, rebased on the server's
// version so the next round applies it; KeepServer drops the local edit.
func (e *Engine) Resolve(ctx context.Context, key entry.Key, choice Choice) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[key]
	if ok {
		delete(e.conflicts, key)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, key)
	}

	switch choice {
	case KeepServer:
		e.view.ApplyLocal(conflict.Server)
		e.persistConflicts(ctx)
		return nil
	case KeepLocal:
		deviceID, err := e.device.GetOrCreate(ctx)
		if err != nil {
			e.restoreConflict(key, conflict)
			return err
		}
		rebased := conflict.Local
		rebased.Version = conflict.Server.Version
		rebased.UpdatedAt = e.clock().UTC()
		rebased.DeviceID = deviceID
		rebased.SyncStatus = entry.SyncStatusPending
		if err := e.queue.Enqueue(ctx, rebased); err != nil {
			e.restoreConflict(key, conflict)
			return err
		}
		e.view.ApplyLocal(rebased)
		e.persistConflicts(ctx)
		e.signal()
		return nil
	default:
		e.restoreConflict(key, conflict)
		return fmt.Errorf("syncengine: unknown resolution %q", choice)
	}
}

// FindSimilar asks the remote store for neighbours of key and records them as the current selection.
func (e *Engine) FindSimilar(ctx context.Context, key entry.Key, limit int) ([]entry.SimilarEntry, error) {
	current, ok := e.view.Find(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, key)
	}
	if current.ID <= 0 {
		return nil, fmt.Errorf("%w: %s has not reached the remote store yet", gateway.ErrNotFound, key)
	}
	similar, err := e.remote.FindSimilar(ctx, current.ID, limit)
	if err != nil {
		return nil, err
	}
	e.view.Select(key)
	e.view.SetSimilar(similar)
	return similar, nil
}

func (e *Engine) restoreConflict(key entry.Key, conflict entry.Conflict) {
	e.mu.Lock()
	e.conflicts[key] = conflict
	e.mu.Unlock()
}
