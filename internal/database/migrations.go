package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entries"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeEntryVersions = "2026-10-01_normalize_entry_versions"
	migrationClearBlankClientIDs    = "2026-10-02_clear_blank_client_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeEntryVersions, apply: normalizeEntryVersions},
		{name: migrationClearBlankClientIDs, apply: clearBlankClientIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeEntryVersions lifts rows imported without a revision counter to version 1.
func normalizeEntryVersions(db *gorm.DB) error {
	return db.Model(&entries.Entry{}).
		Where("version < ?", 1).
		Update("version", 1).Error
}

// clearBlankClientIDs turns empty client ids into NULL so they stay out of the unique index.
func clearBlankClientIDs(db *gorm.DB) error {
	return db.Model(&entries.Entry{}).
		Where("client_id = ?", "").
		Update("client_id", nil).Error
}
