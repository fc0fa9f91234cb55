package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/carwatch/internal/listings"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsUserProfiles(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&searches.Subscription{}, &searches.UserProfile{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []searches.Subscription{
		{ID: "sub-1", UserID: 10, SearchHash: "hash-a", Active: true, CreatedAtSeconds: 1},
		{ID: "sub-2", UserID: 10, SearchHash: "hash-b", Active: true, CreatedAtSeconds: 2},
		{ID: "sub-3", UserID: 20, SearchHash: "hash-a", Active: true, CreatedAtSeconds: 3},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert subscriptions: %v", err)
	}
	existing := searches.UserProfile{UserID: 20, Username: "kept", EnrichmentEnabled: true, CreatedAtSeconds: 5}
	if err := database.Create(&existing).Error; err != nil {
		testContext.Fatalf("failed to insert profile: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var profiles []searches.UserProfile
	if err := database.Order("user_id").Find(&profiles).Error; err != nil {
		testContext.Fatalf("failed to reload profiles: %v", err)
	}
	if len(profiles) != 2 {
		testContext.Fatalf("expected one profile per subscriber, got %d", len(profiles))
	}
	if profiles[0].UserID != 10 || profiles[0].EnrichmentEnabled {
		testContext.Fatalf("expected backfilled profile with enrichment off, got %+v", profiles[0])
	}
	if profiles[1].Username != "kept" || !profiles[1].EnrichmentEnabled {
		testContext.Fatalf("expected existing profile untouched, got %+v", profiles[1])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillUserProfiles).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected a second run to be a no-op: %v", err)
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "carwatch.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, model := range []interface{}{&searches.UniqueSearch{}, &searches.Subscription{}, &searches.UserProfile{}, &listings.Record{}, &listings.SentRecord{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if sqlDB.Stats().MaxOpenConnections != 1 {
		testContext.Fatalf("expected a single sqlite connection, got %d", sqlDB.Stats().MaxOpenConnections)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("mysql", "dsn", nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
