package entries

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"github.com/MarcoPoloResearchLab/wordbank/internal/similarity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultSimilarityLimit = 5

// Analyzer classifies and analyzes entry content.
type Analyzer interface {
	Analyze(ctx context.Context, content, source, note string) (analysis.Result, error)
}

// SimilarityIndex answers nearest-neighbour queries over live entries.
type SimilarityIndex interface {
	Upsert(ctx context.Context, documents ...similarity.Document) error
	Remove(ctx context.Context, id int64) error
	Similar(ctx context.Context, userID string, id int64, content string, limit int) ([]similarity.Hit, error)
}

// ServiceConfig wires the entries service.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	Analyzer        Analyzer
	Index           SimilarityIndex
	SimilarityLimit int
	Logger          *zap.Logger
}

// Service is the authoritative store for study entries.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      IDProvider
	analyzer        Analyzer
	index           SimilarityIndex
	similarityLimit int
	logger          *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Analyzer == nil {
		return nil, newServiceError(opServiceNew, "missing_analyzer", errMissingAnalyzer)
	}
	if cfg.Index == nil {
		return nil, newServiceError(opServiceNew, "missing_index", errMissingIndex)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.SimilarityLimit
	if limit <= 0 {
		limit = defaultSimilarityLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		analyzer:        cfg.Analyzer,
		index:           cfg.Index,
		similarityLimit: limit,
		logger:          logger,
	}, nil
}

// ListEntries returns the user's live entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID UserID, options ListOptions) ([]Entry, error) {
	query := s.liveEntries(s.db.WithContext(ctx), userID)
	if options.Offset > 0 {
		query = query.Offset(options.Offset)
	}
	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}

	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opListEntries, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListEntries, "query_failed", err)
	}
	return entries, nil
}

// GetEntry returns one live entry.
func (s *Service) GetEntry(ctx context.Context, userID UserID, id int64) (Entry, error) {
	if id <= 0 {
		return Entry{}, newServiceError(opGetEntry, "invalid_entry_id", ErrInvalidEntryID)
	}
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ? AND deleted = ?", userID.String(), id, false).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, newServiceError(opGetEntry, "not_found", ErrEntryNotFound)
	}
	if err != nil {
		s.logError(opGetEntry, "query_failed", err, zap.String("user_id", userID.String()), zap.Int64("entry_id", id))
		return Entry{}, newServiceError(opGetEntry, "query_failed", err)
	}
	return entry, nil
}

// CreateEntry analyzes and stores a new entry at version 1.
func (s *Service) CreateEntry(ctx context.Context, userID UserID, draft Draft, deviceID string) (Entry, error) {
	normalized, err := draft.Normalize()
	if err != nil {
		return Entry{}, newServiceError(opCreateEntry, "empty_content", err)
	}

	result, err := s.analyzer.Analyze(ctx, normalized.Content, normalized.Source, normalized.Note)
	if err != nil {
		s.logError(opCreateEntry, "analysis_failed", err, zap.String("user_id", userID.String()))
		return Entry{}, newServiceError(opCreateEntry, "analysis_failed", err)
	}

	now := s.clock().UTC()
	entry := Entry{
		UserID:     userID.String(),
		Content:    normalized.Content,
		Source:     normalized.Source,
		Note:       normalized.Note,
		EntryType:  result.EntryType.String(),
		AIAnalysis: result.Payload,
		Tags:       result.TagString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		DeviceID:   deviceID,
		Version:    1,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opCreateEntry, "entry_insert_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opCreateEntry, "entry_insert_failed", err)
		}
		return s.recordChange(tx, opCreateEntry, newCreateChange(entry))
	})
	if txErr != nil {
		return Entry{}, txErr
	}

	s.refreshIndex(ctx, entry)
	return entry, nil
}

// DeleteEntry tombstones a live entry and returns the tombstone.
func (s *Service) DeleteEntry(ctx context.Context, userID UserID, id int64, deviceID string) (Entry, error) {
	if id <= 0 {
		return Entry{}, newServiceError(opDeleteEntry, "invalid_entry_id", ErrInvalidEntryID)
	}

	var tombstone Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockEntry(tx, userID, id)
		if err != nil {
			s.logError(opDeleteEntry, "entry_select_failed", err, zap.String("user_id", userID.String()), zap.Int64("entry_id", id))
			return newServiceError(opDeleteEntry, "entry_select_failed", err)
		}
		if existing == nil || existing.Deleted {
			return newServiceError(opDeleteEntry, "not_found", ErrEntryNotFound)
		}

		outcome := decideMutation(existing, Mutation{ID: id, Deleted: true, Version: existing.Version}, deviceID, s.clock().UTC())
		if outcome.Kind != decisionApply {
			return newServiceError(opDeleteEntry, "not_found", ErrEntryNotFound)
		}
		if err := tx.Save(outcome.Updated).Error; err != nil {
			s.logError(opDeleteEntry, "entry_save_failed", err, zap.String("user_id", userID.String()), zap.Int64("entry_id", id))
			return newServiceError(opDeleteEntry, "entry_save_failed", err)
		}
		if err := s.recordChange(tx, opDeleteEntry, outcome.Audit); err != nil {
			return err
		}
		tombstone = *outcome.Updated
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}

	s.refreshIndex(ctx, tombstone)
	return tombstone, nil
}

// FindSimilar ranks the user's other live entries by similarity to the given entry.
func (s *Service) FindSimilar(ctx context.Context, userID UserID, id int64, limit int) ([]SimilarEntry, error) {
	target, err := s.GetEntry(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, newServiceError(opFindSimilar, "not_found", ErrEntryNotFound)
		}
		return nil, err
	}
	if limit <= 0 {
		limit = s.similarityLimit
	}

	hits, err := s.index.Similar(ctx, userID.String(), target.ID, target.Content, limit)
	if err != nil {
		s.logError(opFindSimilar, "index_query_failed", err, zap.String("user_id", userID.String()), zap.Int64("entry_id", id))
		return nil, newServiceError(opFindSimilar, "index_query_failed", err)
	}
	if len(hits) == 0 {
		return []SimilarEntry{}, nil
	}

	ids := make([]int64, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ID)
	}
	var neighbours []Entry
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ? AND id IN ?", userID.String(), false, ids).
		Find(&neighbours).Error; err != nil {
		s.logError(opFindSimilar, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opFindSimilar, "query_failed", err)
	}
	byID := make(map[int64]Entry, len(neighbours))
	for _, neighbour := range neighbours {
		byID[neighbour.ID] = neighbour
	}

	ranked := make([]SimilarEntry, 0, len(hits))
	for _, hit := range hits {
		if neighbour, ok := byID[hit.ID]; ok {
			ranked = append(ranked, SimilarEntry{Entry: neighbour, Score: hit.Score})
		}
	}
	return ranked, nil
}

// RebuildIndex loads every live entry into the similarity index.
func (s *Service) RebuildIndex(ctx context.Context) error {
	var live []Entry
	if err := s.db.WithContext(ctx).Where("deleted = ?", false).Find(&live).Error; err != nil {
		s.logError(opRebuildIndex, "query_failed", err)
		return newServiceError(opRebuildIndex, "query_failed", err)
	}
	documents := make([]similarity.Document, 0, len(live))
	for _, entry := range live {
		documents = append(documents, similarity.Document{ID: entry.ID, UserID: entry.UserID, Content: entry.Content})
	}
	if err := s.index.Upsert(ctx, documents...); err != nil {
		s.logError(opRebuildIndex, "index_failed", err)
		return newServiceError(opRebuildIndex, "index_failed", err)
	}
	return nil
}

func (s *Service) liveEntries(db *gorm.DB, userID UserID) *gorm.DB {
	return db.Where("user_id = ? AND deleted = ?", userID.String(), false).
		Order("created_at DESC").
		Order("id DESC")
}

func (s *Service) lockEntry(tx *gorm.DB, userID UserID, id int64) (*Entry, error) {
	var existing Entry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND id = ?", userID.String(), id).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) recordChange(tx *gorm.DB, operation string, change *EntryChange) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String("user_id", change.UserID), zap.Int64("entry_id", change.EntryID))
		return newServiceError(operation, "id_generation_failed", err)
	}
	change.ChangeID = changeID
	if err := tx.Create(change).Error; err != nil {
		s.logError(operation, "audit_insert_failed", err, zap.String("user_id", change.UserID), zap.Int64("entry_id", change.EntryID))
		return newServiceError(operation, "audit_insert_failed", err)
	}
	return nil
}

// refreshIndex mirrors a committed entry into the similarity index. The index is rebuilt on start, so
// failures only degrade similarity results until then.
func (s *Service) refreshIndex(ctx context.Context, entry Entry) {
	var err error
	if entry.Deleted {
		err = s.index.Remove(ctx, entry.ID)
	} else {
		err = s.index.Upsert(ctx, similarity.Document{ID: entry.ID, UserID: entry.UserID, Content: entry.Content})
	}
	if err != nil {
		s.loggerOrDefault().Warn("similarity index update failed",
			zap.Int64("entry_id", entry.ID),
			zap.Bool("deleted", entry.Deleted),
			zap.Error(err))
	}
}

func newCreateChange(entry Entry) *EntryChange {
	return &EntryChange{
		UserID:     entry.UserID,
		EntryID:    entry.ID,
		AppliedAt:  entry.UpdatedAt,
		DeviceID:   entry.DeviceID,
		Operation:  OperationTypeCreate,
		Content:    entry.Content,
		NewVersion: entry.Version,
	}
}

func trimmedContent(mutation Mutation) string {
	return strings.TrimSpace(mutation.Content)
}
