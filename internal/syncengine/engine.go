// Package syncengine reconciles the local mutation queue with the remote store and owns the optimistic
// write path.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/gateway"
	"github.com/MarcoPoloResearchLab/wordbank/internal/netmon"
	"github.com/MarcoPoloResearchLab/wordbank/internal/view"
	"go.uber.org/zap"
)

const defaultInterval = 30 * time.Second

var (
	// ErrRoundInFlight is returned when a round is requested while another one has not finished.
	ErrRoundInFlight = errors.New("syncengine: reconciliation round already in flight")
	// ErrUnknownConflict indicates a resolve request for a key with no open conflict.
	ErrUnknownConflict = errors.New("syncengine: no open conflict for entry")
	// ErrUnknownEntry indicates a key that is not in the current view.
	ErrUnknownEntry = errors.New("syncengine: entry not found")
	// ErrInvalidInterval indicates a non-positive sync interval.
	ErrInvalidInterval = errors.New("syncengine: interval must be positive")

	errMissingRemote       = errors.New("syncengine: remote gateway required")
	errMissingQueue        = errors.New("syncengine: mutation queue required")
	errMissingWatermarks   = errors.New("syncengine: watermark store required")
	errMissingDevice       = errors.New("syncengine: device identity required")
	errMissingConnectivity = errors.New("syncengine: network monitor required")
)

// Remote is the subset of the gateway the engine calls.
type Remote interface {
	List(ctx context.Context) ([]entry.Entry, error)
	Create(ctx context.Context, draft entry.Draft, deviceID string) (entry.Entry, error)
	Delete(ctx context.Context, id int64, deviceID string) error
	FindSimilar(ctx context.Context, id int64, limit int) ([]entry.SimilarEntry, error)
	Reconcile(ctx context.Context, deviceID string, lastSync time.Time, mutations []entry.Entry) (gateway.ReconcileResult, error)
}

// MutationQueue buffers local mutations between rounds.
type MutationQueue interface {
	Enqueue(ctx context.Context, mutation entry.Entry) error
	Drain(ctx context.Context) ([]entry.Entry, error)
	PeekAll(ctx context.Context) ([]entry.Entry, error)
}

// Watermarks persists the last successful reconciliation time.
type Watermarks interface {
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, at time.Time) error
}

// DeviceIdentity yields this installation's id.
type DeviceIdentity interface {
	GetOrCreate(ctx context.Context) (string, error)
}

// ConflictStore keeps open conflicts across restarts.
type ConflictStore interface {
	OpenConflicts(ctx context.Context) ([]entry.Conflict, error)
	SetOpenConflicts(ctx context.Context, conflicts []entry.Conflict) error
}

// Connectivity is the network signal source.
type Connectivity interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan netmon.Transition, func())
}

// Config wires the engine.
type Config struct {
	Remote           Remote
	Queue            MutationQueue
	Watermarks       Watermarks
	Device           DeviceIdentity
	Network          Connectivity
	View             *view.State
	Conflicts        ConflictStore
	Interval         time.Duration
	RequeueOnFailure bool
	Clock            func() time.Time
	Logger           *zap.Logger
	// OnStateChange, when set, observes every state transition.
	OnStateChange func(from, to State)
}

// RoundResult describes one completed round.
type RoundResult struct {
	State     State
	Merged    []entry.Entry
	Conflicts []entry.Conflict
	Sent      int
}

// Engine runs reconciliation rounds one at a time.
type Engine struct {
	remote     Remote
	queue      MutationQueue
	watermarks Watermarks
	device     DeviceIdentity
	network    Connectivity
	view       *view.State
	stored     ConflictStore
	requeue    bool
	clock      func() time.Time
	logger     *zap.Logger
	observer   func(from, to State)

	inFlight atomic.Bool
	interval atomic.Int64

	mu        sync.Mutex
	state     State
	conflicts map[entry.Key]entry.Conflict

	trigger         chan struct{}
	reload          chan struct{}
	intervalChanged chan struct{}
}

// New constructs an Engine in the idle state.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Remote == nil:
		return nil, errMissingRemote
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.Watermarks == nil:
		return nil, errMissingWatermarks
	case cfg.Device == nil:
		return nil, errMissingDevice
	case cfg.Network == nil:
		return nil, errMissingConnectivity
	}
	state := cfg.View
	if state == nil {
		state = view.New()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		remote:          cfg.Remote,
		queue:           cfg.Queue,
		watermarks:      cfg.Watermarks,
		device:          cfg.Device,
		network:         cfg.Network,
		view:            state,
		stored:          cfg.Conflicts,
		requeue:         cfg.RequeueOnFailure,
		clock:           clock,
		logger:          logger,
		observer:        cfg.OnStateChange,
		state:           StateIdle,
		conflicts:       make(map[entry.Key]entry.Conflict),
		trigger:         make(chan struct{}, 1),
		reload:          make(chan struct{}, 1),
		intervalChanged: make(chan struct{}, 1),
	}
	engine.interval.Store(int64(interval))
	state.SetStatus(view.Status(StateIdle))
	return engine, nil
}

// View exposes the state container the engine updates.
func (e *Engine) View() *view.State {
	return e.view
}

// State returns the current state machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Conflicts lists unresolved conflicts ordered by key.
func (e *Engine) Conflicts() []entry.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]entry.Key, 0, len(e.conflicts))
	for key := range e.conflicts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	list := make([]entry.Conflict, 0, len(keys))
	for _, key := range keys {
		list = append(list, e.conflicts[key])
	}
	return list
}

// Prime restores open conflicts and fills the view from the remote listing when online, with queued
// mutations applied on top.
func (e *Engine) Prime(ctx context.Context) error {
	if e.stored != nil {
		open, err := e.stored.OpenConflicts(ctx)
		if err != nil {
			return err
		}
		e.mu.Lock()
		for _, conflict := range open {
			e.conflicts[conflict.Local.Key()] = conflict
		}
		e.mu.Unlock()
	}
	var listed []entry.Entry
	if e.network.Online() {
		remote, err := e.remote.List(ctx)
		if err != nil {
			e.logger.Warn("initial listing failed", zap.Error(err))
		} else {
			listed = remote
		}
	}
	e.view.Replace(Merge(listed, nil))
	return e.overlayPending(ctx)
}

// SyncOnce runs one reconciliation round. A concurrent call returns ErrRoundInFlight.
func (e *Engine) SyncOnce(ctx context.Context) (RoundResult, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return RoundResult{}, ErrRoundInFlight
	}
	defer e.inFlight.Store(false)

	e.setState(StateSyncing)
	result, err := e.round(ctx)
	e.setState(result.State)
	e.setState(StateIdle)
	return result, err
}

func (e *Engine) round(ctx context.Context) (RoundResult, error) {
	if !e.network.Online() {
		return RoundResult{State: StateOffline, Merged: e.view.Entries()}, nil
	}

	failed := func(err error) (RoundResult, error) {
		return RoundResult{State: StateError, Merged: e.view.Entries()}, err
	}

	deviceID, err := e.device.GetOrCreate(ctx)
	if err != nil {
		return failed(err)
	}
	drained, err := e.queue.Drain(ctx)
	if err != nil {
		return failed(err)
	}
	mutations := entry.Collapse(drained)

	lastSync, err := e.watermarks.LastSync(ctx)
	if err != nil {
		e.logger.Warn("failed to read sync watermark", zap.Error(err))
		lastSync = time.Time{}
	}

	response, err := e.remote.Reconcile(ctx, deviceID, lastSync, mutations)
	if err != nil {
		e.handleFailedDelivery(ctx, mutations, err)
		return failed(fmt.Errorf("syncengine: reconcile: %w", err))
	}

	merged := Merge(response.ServerEntries, mutations)
	e.view.Replace(merged)
	if err := e.overlayPending(ctx); err != nil {
		e.logger.Warn("failed to overlay pending mutations", zap.Error(err))
	}

	result := RoundResult{Merged: e.view.Entries(), Conflicts: response.Conflicts, Sent: len(mutations)}
	if len(response.Conflicts) > 0 {
		e.recordConflicts(response.Conflicts)
		e.persistConflicts(ctx)
		result.State = StateConflict
		e.logger.Info("reconciliation reported conflicts", zap.Int("conflicts", len(response.Conflicts)))
		return result, nil
	}

	if err := e.watermarks.SetLastSync(ctx, response.SyncTimestamp); err != nil {
		e.logger.Warn("failed to persist sync watermark", zap.Error(err))
	}
	result.State = StateSynced
	e.logger.Debug("reconciliation complete",
		zap.Int("sent", len(mutations)),
		zap.Int("entries", len(result.Merged)))
	return result, nil
}

func (e *Engine) handleFailedDelivery(ctx context.Context, mutations []entry.Entry, cause error) {
	if len(mutations) == 0 {
		return
	}
	if !e.requeue {
		e.logger.Warn("reconcile failed; drained mutations discarded",
			zap.Int("discarded", len(mutations)),
			zap.Error(cause))
		return
	}
	for _, mutation := range mutations {
		if err := e.queue.Enqueue(ctx, mutation); err != nil {
			e.logger.Error("failed to requeue mutation", zap.String("key", mutation.Key().String()), zap.Error(err))
		}
	}
	e.logger.Warn("reconcile failed; mutations requeued", zap.Int("requeued", len(mutations)), zap.Error(cause))
}

func (e *Engine) recordConflicts(conflicts []entry.Conflict) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, conflict := range conflicts {
		e.conflicts[conflict.Local.Key()] = conflict
	}
}

func (e *Engine) persistConflicts(ctx context.Context) {
	if e.stored == nil {
		return
	}
	if err := e.stored.SetOpenConflicts(ctx, e.Conflicts()); err != nil {
		e.logger.Warn("failed to persist open conflicts", zap.Error(err))
	}
}

func (e *Engine) overlayPending(ctx context.Context) error {
	pending, err := e.queue.PeekAll(ctx)
	if err != nil {
		return err
	}
	for _, mutation := range entry.Collapse(pending) {
		mutation.SyncStatus = entry.SyncStatusPending
		e.view.ApplyLocal(mutation)
	}
	return nil
}

func (e *Engine) setState(next State) {
	e.mu.Lock()
	previous := e.state
	e.state = next
	e.mu.Unlock()

	if next != StateIdle {
		e.view.SetStatus(view.Status(next))
	}
	if e.observer != nil && previous != next {
		e.observer(previous, next)
	}
}
