package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
)

const (
	testContainer = "base-1"
	testTable     = "tasks"
)

type sequenceProvider struct {
	next int
}

func (p *sequenceProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("gen-%03d", p.next), nil
}

func openTestStore(testContext *testing.T) (*Store, tables.TableMetadata) {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "sqlstore.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	ticks := 0
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}

	metadata, err := NewMetadataStore(database, time.Minute)
	if err != nil {
		testContext.Fatalf("failed to build metadata store: %v", err)
	}
	store, err := NewStore(Config{
		Database:   database,
		Metadata:   metadata,
		IDProvider: &sequenceProvider{},
		Clock:      clock,
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	table, err := metadata.Register(context.Background(), testContainer, testTable, []tables.Field{
		{Name: "id", DataType: "uuid"},
		{Name: "title", DataType: "text"},
		{Name: "rank", DataType: "integer"},
		{Name: "created_at", DataType: "timestamp"},
	})
	if err != nil {
		testContext.Fatalf("failed to register table: %v", err)
	}
	return store, table
}

func seedRows(testContext *testing.T, store *Store, count int) {
	testContext.Helper()
	for index := 0; index < count; index++ {
		_, err := store.CreateRecord(context.Background(), testContainer, testTable, records.Record{
			"title": fmt.Sprintf("Task %02d", index),
			"rank":  index,
		})
		if err != nil {
			testContext.Fatalf("failed to seed row %d: %v", index, err)
		}
	}
}

func TestRegisterAndResolveTable(testContext *testing.T) {
	store, table := openTestStore(testContext)
	resolved, err := store.Metadata().ResolveTable(context.Background(), table.ID)
	if err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if resolved.TableName != testTable || resolved.ContainerID != testContainer {
		testContext.Fatalf("unexpected metadata %+v", resolved)
	}
	if !resolved.HasCreatedAt() || len(resolved.TextFields()) != 1 {
		testContext.Fatalf("expected field metadata to round-trip, got %+v", resolved.Fields)
	}

	again, err := store.Metadata().Register(context.Background(), testContainer, testTable, []tables.Field{{Name: "title", DataType: "text"}})
	if err != nil {
		testContext.Fatalf("re-register failed: %v", err)
	}
	if again.ID != table.ID || len(again.Fields) != 1 {
		testContext.Fatalf("expected definition refreshed in place, got %+v", again)
	}

	if _, err := store.Metadata().ResolveTable(context.Background(), table.ID+100); !errors.Is(err, ErrUnknownTable) || !errors.Is(err, tables.ErrUnknownTable) {
		testContext.Fatalf("expected unknown table error, got %v", err)
	}
}

func TestCreateRecordAssignsIDAndCreatedAt(testContext *testing.T) {
	store, _ := openTestStore(testContext)
	created, err := store.CreateRecord(context.Background(), testContainer, testTable, records.Record{"title": "Launch"})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if created["id"] != "gen-001" {
		testContext.Fatalf("expected generated id, got %v", created["id"])
	}
	if _, ok := created["created_at"].(string); !ok {
		testContext.Fatalf("expected created_at to be stamped, got %#v", created)
	}

	if _, err := store.CreateRecord(context.Background(), testContainer, testTable, records.Record{"id": "gen-001"}); err == nil {
		testContext.Fatalf("expected duplicate id to fail")
	}
}

func TestFetchRecordsPaginatesWithTotal(testContext *testing.T) {
	store, _ := openTestStore(testContext)
	seedRows(testContext, store, 12)

	result, err := store.FetchRecords(context.Background(), testContainer, testTable, tables.FetchQuery{
		Limit:  5,
		Offset: 5,
		Order:  "created_at.desc",
	})
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	if !result.HasTotal || result.Total != 12 {
		testContext.Fatalf("expected total 12, got %+v", result.Total)
	}
	if len(result.Records) != 5 {
		testContext.Fatalf("expected 5 records, got %d", len(result.Records))
	}
	if result.Records[0]["title"] != "Task 06" {
		testContext.Fatalf("expected newest-first ordering, got %v", result.Records[0]["title"])
	}
}

func TestFetchRecordsAppliesFiltersAndSearch(testContext *testing.T) {
	store, _ := openTestStore(testContext)
	seedRows(testContext, store, 12)

	filtered, err := store.FetchRecords(context.Background(), testContainer, testTable, tables.FetchQuery{
		Filters: map[string]string{"rank": "gte.8", "limit": "2"},
	})
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	if filtered.Total != 4 {
		testContext.Fatalf("expected 4 rows with rank >= 8, got %d", filtered.Total)
	}

	searched, err := store.FetchRecords(context.Background(), testContainer, testTable, tables.FetchQuery{
		SearchQuery: "task 1",
		TextFields:  []string{"title"},
	})
	if err != nil {
		testContext.Fatalf("search failed: %v", err)
	}
	if searched.Total != 2 {
		testContext.Fatalf("expected Task 10 and Task 11, got %d", searched.Total)
	}

	for _, title := range []string{"50% off", "500 units", "snake_case", "snakeXcase"} {
		if _, err := store.CreateRecord(context.Background(), testContainer, testTable, records.Record{"title": title}); err != nil {
			testContext.Fatalf("failed to create %q: %v", title, err)
		}
	}
	for query, want := range map[string]int{"50%": 1, "snake_": 1} {
		literal, err := store.FetchRecords(context.Background(), testContainer, testTable, tables.FetchQuery{
			SearchQuery: query,
			TextFields:  []string{"title"},
		})
		if err != nil {
			testContext.Fatalf("search %q failed: %v", query, err)
		}
		if literal.Total != want {
			testContext.Fatalf("expected %q to match literally once, got %d", query, literal.Total)
		}
	}

	count, err := store.CountRecords(context.Background(), testContainer, testTable, map[string]string{"rank": "in.(1,2,3)"})
	if err != nil || count != 3 {
		testContext.Fatalf("expected count 3, got %d (%v)", count, err)
	}
}

func TestUpdateRecordMergesAndKeepsID(testContext *testing.T) {
	store, _ := openTestStore(testContext)
	created, err := store.CreateRecord(context.Background(), testContainer, testTable, records.Record{"id": "r-1", "title": "Old", "rank": 1})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}

	updated, err := store.UpdateRecord(context.Background(), testContainer, testTable, "r-1", records.Record{"title": "New", "id": "hijack"})
	if err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	if updated["title"] != "New" || updated["id"] != "r-1" || updated["rank"] != created["rank"] {
		testContext.Fatalf("unexpected update result %#v", updated)
	}

	if _, err := store.UpdateRecord(context.Background(), testContainer, testTable, "missing", records.Record{"title": "x"}); !errors.Is(err, tables.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteRecordsAndFetchRecord(testContext *testing.T) {
	store, _ := openTestStore(testContext)
	seedRows(testContext, store, 3)

	if err := store.DeleteRecords(context.Background(), testContainer, testTable, []string{"gen-001", "gen-404"}); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if _, err := store.FetchRecord(context.Background(), testContainer, testTable, "gen-001"); !errors.Is(err, tables.ErrNotFound) {
		testContext.Fatalf("expected deleted record to be gone, got %v", err)
	}
	record, err := store.FetchRecord(context.Background(), testContainer, testTable, "gen-002")
	if err != nil || record["title"] != "Task 01" {
		testContext.Fatalf("expected remaining record, got %#v (%v)", record, err)
	}
}

func TestContainerEntities(testContext *testing.T) {
	store, _ := openTestStore(testContext)
	ctx := context.Background()
	for _, user := range []records.Record{{"id": "u-1", "email": "a@example.com"}, {"id": "u-2"}} {
		if err := store.PutEntity(ctx, testContainer, EntityKindUser, user); err != nil {
			testContext.Fatalf("put user failed: %v", err)
		}
	}
	if err := store.PutEntity(ctx, testContainer, EntityKindBucket, records.Record{"id": "b-1"}); err != nil {
		testContext.Fatalf("put bucket failed: %v", err)
	}

	users, err := store.FetchUsers(ctx, testContainer)
	if err != nil || len(users) != 2 {
		testContext.Fatalf("expected 2 users, got %d (%v)", len(users), err)
	}
	buckets, err := store.FetchBuckets(ctx, testContainer)
	if err != nil || len(buckets) != 1 {
		testContext.Fatalf("expected 1 bucket, got %d (%v)", len(buckets), err)
	}

	if err := store.DeleteUser(ctx, testContainer, "u-1"); err != nil {
		testContext.Fatalf("delete user failed: %v", err)
	}
	if err := store.DeleteUser(ctx, testContainer, "u-1"); !errors.Is(err, tables.ErrNotFound) {
		testContext.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteBucket(ctx, testContainer, "b-1"); err != nil {
		testContext.Fatalf("delete bucket failed: %v", err)
	}
}
