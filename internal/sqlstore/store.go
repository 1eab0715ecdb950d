package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
)

const (
	createdAtField = "created_at"
	// Fixed-width so json_extract ordering on the string matches time ordering.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
	insertionOrder  = "created_at_ns ASC"
	tieBreakOrder   = "record_id ASC"
)

var errMissingIDProvider = errors.New("id provider is required")

// Config wires a Store.
type Config struct {
	Database   *gorm.DB
	Metadata   *MetadataStore
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store implements tables.DataSource on top of SQLite.
type Store struct {
	db         *gorm.DB
	metadata   *MetadataStore
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	metadata := cfg.Metadata
	if metadata == nil {
		created, err := NewMetadataStore(cfg.Database, 0)
		if err != nil {
			return nil, err
		}
		metadata = created
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		metadata:   metadata,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Metadata exposes the definition resolver backing the store.
func (s *Store) Metadata() *MetadataStore {
	return s.metadata
}

func (s *Store) rowScope(ctx context.Context, containerID, tableName string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&TableRow{}).
		Where("container_id = ? AND table_name = ?", containerID, tableName)
}

func (s *Store) filteredScope(ctx context.Context, containerID, tableName string, filters map[string]string, search string, textFields []string) (*gorm.DB, error) {
	scope := s.rowScope(ctx, containerID, tableName)
	filterClause, err := CompileFilters(filters)
	if err != nil {
		return nil, err
	}
	if !filterClause.Empty() {
		scope = scope.Where(filterClause.SQL, filterClause.Args...)
	}
	searchClause, err := CompileSearch(search, textFields)
	if err != nil {
		return nil, err
	}
	if !searchClause.Empty() {
		scope = scope.Where(searchClause.SQL, searchClause.Args...)
	}
	return scope.Session(&gorm.Session{}), nil
}

// FetchRecords returns one page of rows plus the total matching count.
func (s *Store) FetchRecords(ctx context.Context, containerID, tableName string, query tables.FetchQuery) (tables.FetchResult, error) {
	scope, err := s.filteredScope(ctx, containerID, tableName, query.Filters, query.SearchQuery, query.TextFields)
	if err != nil {
		return tables.FetchResult{}, err
	}
	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return tables.FetchResult{}, err
	}

	order, err := CompileOrder(query.Order)
	if err != nil {
		return tables.FetchResult{}, err
	}
	if order == "" {
		order = insertionOrder
	}
	paged := scope.Order(order).Order(tieBreakOrder)
	if query.Limit > 0 {
		paged = paged.Limit(query.Limit)
	}
	if query.Offset > 0 {
		paged = paged.Offset(query.Offset)
	}
	var rows []TableRow
	if err := paged.Find(&rows).Error; err != nil {
		return tables.FetchResult{}, err
	}

	output := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record, err := decodePayload(row.Payload)
		if err != nil {
			s.logger.Warn("skipping undecodable row",
				zap.String("table_name", tableName),
				zap.String("record_id", row.RecordID),
				zap.Error(err))
			continue
		}
		output = append(output, record)
	}
	return tables.FetchResult{Records: output, Total: int(total), HasTotal: true}, nil
}

// FetchRecord returns a single row or tables.ErrNotFound.
func (s *Store) FetchRecord(ctx context.Context, containerID, tableName, recordID string) (records.Record, error) {
	var row TableRow
	err := s.rowScope(ctx, containerID, tableName).Where("record_id = ?", recordID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: record %s", tables.ErrNotFound, recordID)
	}
	if err != nil {
		return nil, err
	}
	return decodePayload(row.Payload)
}

// CountRecords counts rows matching filters.
func (s *Store) CountRecords(ctx context.Context, containerID, tableName string, filters map[string]string) (int, error) {
	scope, err := s.filteredScope(ctx, containerID, tableName, filters, "", nil)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// CreateRecord stores a new row. Records without an id receive a UUIDv7, and tables
// declaring created_at get it stamped when absent.
func (s *Store) CreateRecord(ctx context.Context, containerID, tableName string, record records.Record) (records.Record, error) {
	metadata, err := s.metadata.Lookup(ctx, containerID, tableName)
	if err != nil {
		return nil, err
	}
	stored := record.Clone()
	if stored == nil {
		stored = records.Record{}
	}
	recordID, ok := stored.ID()
	if !ok {
		recordID, err = s.idProvider.NewID()
		if err != nil {
			return nil, err
		}
		stored[records.IDField] = recordID
	}
	if _, err := validateIdentifier("record id", recordID); err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if _, present := stored[createdAtField]; !present && metadata.HasCreatedAt() {
		stored[createdAtField] = now.Format(createdAtLayout)
	}
	payload, err := encodePayload(stored)
	if err != nil {
		return nil, err
	}
	row := TableRow{
		ContainerID: containerID,
		Table:       tableName,
		RecordID:    recordID,
		Payload:     payload,
		CreatedAtNs: now.UnixNano(),
		UpdatedAtNs: now.UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return decodePayload(payload)
}

// UpdateRecord shallow-merges changes into a stored row. The id field is immutable.
func (s *Store) UpdateRecord(ctx context.Context, containerID, tableName, recordID string, changes records.Record) (records.Record, error) {
	var updated records.Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TableRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("container_id = ? AND table_name = ? AND record_id = ?", containerID, tableName, recordID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: record %s", tables.ErrNotFound, recordID)
		}
		if err != nil {
			return err
		}
		existing, err := decodePayload(row.Payload)
		if err != nil {
			return err
		}
		merged := existing.Merge(changes)
		merged[records.IDField] = existing[records.IDField]
		payload, err := encodePayload(merged)
		if err != nil {
			return err
		}
		if err := tx.Model(&TableRow{}).
			Where("container_id = ? AND table_name = ? AND record_id = ?", containerID, tableName, recordID).
			Updates(map[string]any{"payload": payload, "updated_at_ns": s.clock().UTC().UnixNano()}).Error; err != nil {
			return err
		}
		updated, err = decodePayload(payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRecords removes rows by id; unknown ids are ignored.
func (s *Store) DeleteRecords(ctx context.Context, containerID, tableName string, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("container_id = ? AND table_name = ? AND record_id IN ?", containerID, tableName, recordIDs).
		Delete(&TableRow{}).Error
}

// FetchUsers lists the container's users.
func (s *Store) FetchUsers(ctx context.Context, containerID string) ([]records.Record, error) {
	return s.fetchEntities(ctx, containerID, EntityKindUser)
}

// FetchBuckets lists the container's buckets.
func (s *Store) FetchBuckets(ctx context.Context, containerID string) ([]records.Record, error) {
	return s.fetchEntities(ctx, containerID, EntityKindBucket)
}

// DeleteUser removes one user.
func (s *Store) DeleteUser(ctx context.Context, containerID, userID string) error {
	return s.deleteEntity(ctx, containerID, EntityKindUser, userID)
}

// DeleteBucket removes one bucket.
func (s *Store) DeleteBucket(ctx context.Context, containerID, bucketID string) error {
	return s.deleteEntity(ctx, containerID, EntityKindBucket, bucketID)
}

// PutEntity creates or replaces an auxiliary entity.
func (s *Store) PutEntity(ctx context.Context, containerID string, kind EntityKind, entity records.Record) error {
	entityID, ok := entity.ID()
	if !ok {
		return fmt.Errorf("%w: entity without id", ErrInvalidIdentifier)
	}
	payload, err := encodePayload(entity)
	if err != nil {
		return err
	}
	row := ContainerEntity{
		ContainerID: containerID,
		Kind:        kind,
		EntityID:    entityID,
		Payload:     payload,
		CreatedAtNs: s.clock().UTC().UnixNano(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "container_id"}, {Name: "kind"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload"}),
	}).Create(&row).Error
}

func (s *Store) fetchEntities(ctx context.Context, containerID string, kind EntityKind) ([]records.Record, error) {
	var rows []ContainerEntity
	err := s.db.WithContext(ctx).
		Where("container_id = ? AND kind = ?", containerID, kind).
		Order("created_at_ns ASC").Order("entity_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	output := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		entity, err := decodePayload(row.Payload)
		if err != nil {
			return nil, err
		}
		output = append(output, entity)
	}
	return output, nil
}

func (s *Store) deleteEntity(ctx context.Context, containerID string, kind EntityKind, entityID string) error {
	result := s.db.WithContext(ctx).
		Where("container_id = ? AND kind = ? AND entity_id = ?", containerID, kind, entityID).
		Delete(&ContainerEntity{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", tables.ErrNotFound, kind, entityID)
	}
	return nil
}

func encodeFields(fields []tables.Field) (datatypes.JSON, error) {
	if fields == nil {
		fields = []tables.Field{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}
