package entries

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type analysisKey struct {
	content string
	source  string
}

// Reconcile applies a batch of device mutations and returns the user's authoritative entry set.
// Mutations targeting a remote id are decided by decideMutation; mutations without one are offline
// creates, deduplicated by client id so a retried batch never creates the same entry twice.
// lastSync is informational: the full live set is always returned.
func (s *Service) Reconcile(ctx context.Context, userID UserID, deviceID string, lastSync time.Time, mutations []Mutation) (ReconcileResult, error) {
	analyses, err := s.prepareAnalyses(ctx, userID, mutations)
	if err != nil {
		return ReconcileResult{}, err
	}

	var (
		conflicts []Conflict
		touched   []Entry
	)
	appliedAt := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, mutation := range mutations {
			if mutation.ID == 0 {
				created, err := s.applyCreate(ctx, tx, userID, deviceID, mutation, appliedAt, analyses)
				if err != nil {
					return err
				}
				if created != nil {
					touched = append(touched, *created)
				}
				continue
			}

			existing, err := s.lockEntry(tx, userID, mutation.ID)
			if err != nil {
				s.logError(opReconcile, "entry_select_failed", err,
					zap.String("user_id", userID.String()),
					zap.Int64("entry_id", mutation.ID))
				return newServiceError(opReconcile, "entry_select_failed", err)
			}

			outcome := decideMutation(existing, mutation, deviceID, appliedAt)
			switch outcome.Kind {
			case decisionConflict:
				conflicts = append(conflicts, Conflict{Local: mutation, Server: *outcome.Updated})
			case decisionApply:
				if outcome.ContentChanged {
					result, err := s.analysisFor(ctx, analyses, outcome.Updated.Content, outcome.Updated.Source, outcome.Updated.Note)
					if err != nil {
						return err
					}
					outcome.Updated.EntryType = result.EntryType.String()
					outcome.Updated.AIAnalysis = result.Payload
					outcome.Updated.Tags = result.TagString()
				}
				if err := tx.Save(outcome.Updated).Error; err != nil {
					s.logError(opReconcile, "entry_save_failed", err,
						zap.String("user_id", userID.String()),
						zap.Int64("entry_id", mutation.ID))
					return newServiceError(opReconcile, "entry_save_failed", err)
				}
				if err := s.recordChange(tx, opReconcile, outcome.Audit); err != nil {
					return err
				}
				touched = append(touched, *outcome.Updated)
			default:
				s.loggerOrDefault().Debug("mutation skipped",
					zap.String("user_id", userID.String()),
					zap.Int64("entry_id", mutation.ID),
					zap.Bool("deleted", mutation.Deleted))
			}
		}
		return nil
	})
	if txErr != nil {
		return ReconcileResult{}, txErr
	}

	for _, entry := range touched {
		s.refreshIndex(ctx, entry)
	}

	var serverEntries []Entry
	if err := s.liveEntries(s.db.WithContext(ctx), userID).Find(&serverEntries).Error; err != nil {
		s.logError(opReconcile, "query_failed", err, zap.String("user_id", userID.String()))
		return ReconcileResult{}, newServiceError(opReconcile, "query_failed", err)
	}

	s.loggerOrDefault().Debug("reconciled mutations",
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID),
		zap.Time("last_sync", lastSync),
		zap.Int("mutations", len(mutations)),
		zap.Int("applied", len(touched)),
		zap.Int("conflicts", len(conflicts)))

	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return ReconcileResult{
		ServerEntries: serverEntries,
		Conflicts:     conflicts,
		SyncTimestamp: s.clock().UTC(),
	}, nil
}

func (s *Service) applyCreate(ctx context.Context, tx *gorm.DB, userID UserID, deviceID string, mutation Mutation, appliedAt time.Time, analyses map[analysisKey]analysis.Result) (*Entry, error) {
	content := trimmedContent(mutation)
	if mutation.Deleted || content == "" {
		return nil, nil
	}

	var clientID *string
	if mutation.ClientID != "" {
		var count int64
		if err := tx.Model(&Entry{}).
			Where("user_id = ? AND client_id = ?", userID.String(), mutation.ClientID).
			Count(&count).Error; err != nil {
			s.logError(opReconcile, "client_lookup_failed", err, zap.String("user_id", userID.String()))
			return nil, newServiceError(opReconcile, "client_lookup_failed", err)
		}
		if count > 0 {
			return nil, nil
		}
		value := mutation.ClientID
		clientID = &value
	}

	draft := Draft{Content: content, Source: mutation.Source, Note: mutation.Note}
	normalized, _ := draft.Normalize()
	result, err := s.analysisFor(ctx, analyses, normalized.Content, normalized.Source, normalized.Note)
	if err != nil {
		return nil, err
	}

	createdAt := appliedAt
	if !mutation.CreatedAt.IsZero() && mutation.CreatedAt.Before(appliedAt) {
		createdAt = mutation.CreatedAt.UTC()
	}
	if mutation.DeviceID != "" {
		deviceID = mutation.DeviceID
	}

	entry := Entry{
		UserID:     userID.String(),
		ClientID:   clientID,
		Content:    normalized.Content,
		Source:     normalized.Source,
		Note:       normalized.Note,
		EntryType:  result.EntryType.String(),
		AIAnalysis: result.Payload,
		Tags:       result.TagString(),
		CreatedAt:  createdAt,
		UpdatedAt:  appliedAt,
		DeviceID:   deviceID,
		Version:    1,
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logError(opReconcile, "entry_insert_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opReconcile, "entry_insert_failed", err)
	}
	if err := s.recordChange(tx, opReconcile, newCreateChange(entry)); err != nil {
		return nil, err
	}
	return &entry, nil
}

// prepareAnalyses runs the analyzer for every create and content edit before the transaction opens,
// so slow providers never hold database locks.
func (s *Service) prepareAnalyses(ctx context.Context, userID UserID, mutations []Mutation) (map[analysisKey]analysis.Result, error) {
	analyses := make(map[analysisKey]analysis.Result)

	var (
		remoteIDs []int64
		clientIDs []string
	)
	for _, mutation := range mutations {
		if mutation.Deleted || trimmedContent(mutation) == "" {
			continue
		}
		if mutation.ID != 0 {
			remoteIDs = append(remoteIDs, mutation.ID)
		} else if mutation.ClientID != "" {
			clientIDs = append(clientIDs, mutation.ClientID)
		}
	}
	stored := make(map[int64]string, len(remoteIDs))
	if len(remoteIDs) > 0 {
		var existing []Entry
		if err := s.db.WithContext(ctx).
			Select("id", "content").
			Where("user_id = ? AND id IN ?", userID.String(), remoteIDs).
			Find(&existing).Error; err != nil {
			s.logError(opReconcile, "prefetch_failed", err, zap.String("user_id", userID.String()))
			return nil, newServiceError(opReconcile, "prefetch_failed", err)
		}
		for _, entry := range existing {
			stored[entry.ID] = entry.Content
		}
	}
	known := make(map[string]struct{}, len(clientIDs))
	if len(clientIDs) > 0 {
		var applied []string
		if err := s.db.WithContext(ctx).
			Model(&Entry{}).
			Where("user_id = ? AND client_id IN ?", userID.String(), clientIDs).
			Pluck("client_id", &applied).Error; err != nil {
			s.logError(opReconcile, "prefetch_failed", err, zap.String("user_id", userID.String()))
			return nil, newServiceError(opReconcile, "prefetch_failed", err)
		}
		for _, clientID := range applied {
			known[clientID] = struct{}{}
		}
	}

	for _, mutation := range mutations {
		content := trimmedContent(mutation)
		if mutation.Deleted || content == "" {
			continue
		}
		if mutation.ID != 0 {
			if current, ok := stored[mutation.ID]; !ok || current == content {
				continue
			}
		} else if _, ok := known[mutation.ClientID]; ok {
			continue
		}
		if _, err := s.analysisFor(ctx, analyses, content, strings.TrimSpace(mutation.Source), strings.TrimSpace(mutation.Note)); err != nil {
			return nil, err
		}
	}
	return analyses, nil
}

func (s *Service) analysisFor(ctx context.Context, analyses map[analysisKey]analysis.Result, content, source, note string) (analysis.Result, error) {
	key := analysisKey{content: content, source: source}
	if result, ok := analyses[key]; ok {
		return result, nil
	}
	result, err := s.analyzer.Analyze(ctx, content, source, note)
	if err != nil {
		s.logError(opReconcile, "analysis_failed", err)
		return analysis.Result{}, newServiceError(opReconcile, "analysis_failed", err)
	}
	analyses[key] = result
	return result, nil
}
