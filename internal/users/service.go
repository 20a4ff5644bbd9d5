package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the token subject was empty.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps token subjects to user ids and remembers them.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// EnsureUser returns the user id for a token subject, recording the identity on first sight.
func (s *Service) EnsureUser(ctx context.Context, subject string) (string, error) {
	subject = normalize(subject)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(subject); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	identity := Identity{
		Subject:    subject,
		UserID:     subject,
		LastSeenAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_at"}),
		}).
		Create(&identity).Error
	if err != nil {
		return "", fmt.Errorf("users: record identity: %w", err)
	}

	var stored Identity
	if err := s.db.WithContext(ctx).Where("subject = ?", subject).Take(&stored).Error; err != nil {
		return "", fmt.Errorf("users: load identity: %w", err)
	}

	s.cache.Store(subject, stored.UserID)
	return stored.UserID, nil
}
