package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tablesync/internal/sqlstore"
)

func TestApplyMigrationsBackfillsRowCreation(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(sqlstore.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	row := sqlstore.TableRow{
		ContainerID: "base-1",
		Table:       "tasks",
		RecordID:    "r-1",
		Payload:     []byte(`{"id":"r-1","created_at":"2024-01-01T00:00:00Z"}`),
		CreatedAtNs: 0,
		UpdatedAtNs: 42,
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored sqlstore.TableRow
	if err := database.Where("record_id = ?", row.RecordID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.CreatedAtNs != 42 {
		testContext.Fatalf("expected created_at_ns backfilled, got %d", stored.CreatedAtNs)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationIndexRowCreatedAt).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	var indexCount int64
	if err := database.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", "idx_table_rows_payload_created_at").Scan(&indexCount).Error; err != nil {
		testContext.Fatalf("failed to inspect indexes: %v", err)
	}
	if indexCount != 1 {
		testContext.Fatalf("expected created_at index, got %d", indexCount)
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "idempotent.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migration pass failed: %v", err)
	}
	var applied int64
	if err := database.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 2 {
		testContext.Fatalf("expected 2 recorded migrations, got %d", applied)
	}
}
