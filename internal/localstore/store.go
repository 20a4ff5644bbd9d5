// Package localstore keeps the client's durable key/value records in a local SQLite file.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Fixed record keys. Their value formats are not versioned.
const (
	KeyDeviceID       = "device_id"
	KeyLastSyncTime   = "last_sync_time"
	KeyPendingEntries = "pending_entries"
	KeyOpenConflicts  = "open_conflicts"
	// KeyQuarantinedEntries keeps the last pending_entries value that failed to decode.
	KeyQuarantinedEntries = "pending_entries_quarantine"
)

var errMissingDatabase = errors.New("localstore: database connection required")

// Record is one key/value row.
type Record struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName binds the record to the local_records table.
func (Record) TableName() string {
	return "local_records"
}

// Store reads and writes records.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// Open creates the database file and its parent directory when missing.
func Open(path string, zapLogger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("localstore: database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("localstore: create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	store, err := New(db)
	if err != nil {
		return nil, err
	}
	if zapLogger != nil {
		zapLogger.Debug("local store opened", zap.String("path", path))
	}
	return store, nil
}

// New wraps an existing connection and migrates the records table.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("localstore: migrate: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Get returns the value stored under key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: get %s: %w", key, err)
	}
	return record.Value, true, nil
}

// Put inserts or replaces the value stored under key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	record := Record{Key: key, Value: value, UpdatedAt: s.clock().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("localstore: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("localstore: delete %s: %w", key, err)
	}
	return nil
}

// LastSync returns the persisted watermark, or the zero time before the first successful round.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	raw, ok, err := s.Get(ctx, KeyLastSyncTime)
	if err != nil || !ok {
		return time.Time{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("localstore: parse watermark: %w", err)
	}
	return parsed, nil
}

// SetLastSync persists the watermark.
func (s *Store) SetLastSync(ctx context.Context, at time.Time) error {
	return s.Put(ctx, KeyLastSyncTime, at.UTC().Format(time.RFC3339Nano))
}

// OpenConflicts returns the conflicts awaiting a user decision.
func (s *Store) OpenConflicts(ctx context.Context) ([]entry.Conflict, error) {
	raw, ok, err := s.Get(ctx, KeyOpenConflicts)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var conflicts []entry.Conflict
	if err := json.Unmarshal([]byte(raw), &conflicts); err != nil {
		return nil, fmt.Errorf("localstore: decode conflicts: %w", err)
	}
	return conflicts, nil
}

// SetOpenConflicts replaces the stored conflict list.
func (s *Store) SetOpenConflicts(ctx context.Context, conflicts []entry.Conflict) error {
	if conflicts == nil {
		conflicts = []entry.Conflict{}
	}
	encoded, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("localstore: encode conflicts: %w", err)
	}
	return s.Put(ctx, KeyOpenConflicts, string(encoded))
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
