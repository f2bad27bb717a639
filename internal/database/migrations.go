package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEditSequence = "2026-06-12_backfill_edit_sequence"

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
		{name: migrationBackfillEditSequence, apply: backfillEditSequence},
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

// backfillEditSequence assigns log positions to edits recorded before the
// segmentation_seq column existed, numbering them by server timestamp with
// edit id as the tie break.
func backfillEditSequence(db *gorm.DB) error {
	const statement = `
UPDATE segmentation_edits SET segmentation_seq = (
	SELECT COUNT(*) FROM segmentation_edits AS earlier
	WHERE earlier.segmentation_id = segmentation_edits.segmentation_id
	  AND (earlier.created_at_ns < segmentation_edits.created_at_ns
	       OR (earlier.created_at_ns = segmentation_edits.created_at_ns
	           AND earlier.edit_id <= segmentation_edits.edit_id))
) WHERE segmentation_seq = 0;`
	return db.Exec(statement).Error
}
