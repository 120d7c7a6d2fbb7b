package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDebateDisplayOrder = "2026-07-18_backfill_debate_display_order"

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
		{name: migrationBackfillDebateDisplayOrder, apply: backfillDebateDisplayOrder},
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

// backfillDebateDisplayOrder assigns a creation-time ordering to debates
// imported before display_order existed, where every row still carries the
// zero default.
func backfillDebateDisplayOrder(db *gorm.DB) error {
	const statement = `
UPDATE debates SET display_order = (
    SELECT COUNT(*) FROM debates AS earlier
    WHERE earlier.activity_id = debates.activity_id
      AND earlier.created_at < debates.created_at
)
WHERE activity_id IN (
    SELECT activity_id FROM debates
    GROUP BY activity_id
    HAVING COUNT(*) > 1 AND MAX(display_order) = 0
);`
	return db.Exec(statement).Error
}
