package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexRowCreatedAt   = "2026-10-12_index_row_created_at"
	migrationBackfillRowCreation = "2026-10-14_backfill_row_created_at_ns"
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
		{name: migrationIndexRowCreatedAt, apply: indexRowCreatedAt},
		{name: migrationBackfillRowCreation, apply: backfillRowCreation},
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

// indexRowCreatedAt backs the default created_at.desc ordering.
func indexRowCreatedAt(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_table_rows_payload_created_at " +
		"ON table_rows (container_id, table_name, json_extract(payload, '$.created_at'))").Error
}

// backfillRowCreation gives rows imported without an insertion stamp a stable position.
func backfillRowCreation(db *gorm.DB) error {
	return db.Exec("UPDATE table_rows SET created_at_ns = updated_at_ns WHERE created_at_ns = 0 AND updated_at_ns <> 0").Error
}
