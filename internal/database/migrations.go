package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillUserProfiles = "2026-10-01_backfill_user_profiles"

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
		{name: migrationBackfillUserProfiles, apply: backfillUserProfiles},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillUserProfiles gives every subscriber that predates user profiles a
// profile row with enrichment disabled.
func backfillUserProfiles(db *gorm.DB) error {
	now := time.Now().UTC().Unix()
	return db.Exec(
		"INSERT INTO user_profiles (user_id, username, enrichment_enabled, created_at_s) "+
			"SELECT DISTINCT subscriptions.user_id, '', ?, ? FROM subscriptions "+
			"WHERE NOT EXISTS (SELECT 1 FROM user_profiles WHERE user_profiles.user_id = subscriptions.user_id)",
		false, now,
	).Error
}
