package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

const (
	// DefaultMetadataTTL bounds how long a resolved definition is reused.
	DefaultMetadataTTL  = 5 * time.Minute
	metadataCleanupTick = 10 * time.Minute
)

var errMissingDatabase = errors.New("database handle is required")

// MetadataStore resolves table ids to definitions, caching lookups in memory.
type MetadataStore struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewMetadataStore constructs a MetadataStore; a non-positive ttl uses DefaultMetadataTTL.
func NewMetadataStore(db *gorm.DB, ttl time.Duration) (*MetadataStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &MetadataStore{
		db:    db,
		cache: cache.New(ttl, metadataCleanupTick),
	}, nil
}

// ResolveTable implements tables.MetadataResolver.
func (m *MetadataStore) ResolveTable(ctx context.Context, tableID tablestore.TableID) (tables.TableMetadata, error) {
	key := idKey(tableID)
	if cached, found := m.cache.Get(key); found {
		return cached.(tables.TableMetadata), nil
	}
	var definition TableDefinition
	err := m.db.WithContext(ctx).Where("id = ?", int64(tableID)).Take(&definition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tables.TableMetadata{}, fmt.Errorf("%w: %d", ErrUnknownTable, tableID)
	}
	if err != nil {
		return tables.TableMetadata{}, err
	}
	return m.remember(definition)
}

// Lookup resolves a table by its container and name.
func (m *MetadataStore) Lookup(ctx context.Context, containerID, tableName string) (tables.TableMetadata, error) {
	key := nameKey(containerID, tableName)
	if cached, found := m.cache.Get(key); found {
		return cached.(tables.TableMetadata), nil
	}
	var definition TableDefinition
	err := m.db.WithContext(ctx).
		Where("container_id = ? AND table_name = ?", containerID, tableName).
		Take(&definition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tables.TableMetadata{}, fmt.Errorf("%w: %s/%s", ErrUnknownTable, containerID, tableName)
	}
	if err != nil {
		return tables.TableMetadata{}, err
	}
	return m.remember(definition)
}

// Register creates or refreshes a table definition and returns its metadata.
func (m *MetadataStore) Register(ctx context.Context, containerID, tableName string, fields []tables.Field) (tables.TableMetadata, error) {
	containerID, err := validateIdentifier("container id", containerID)
	if err != nil {
		return tables.TableMetadata{}, err
	}
	tableName, err = validateIdentifier("table name", tableName)
	if err != nil {
		return tables.TableMetadata{}, err
	}
	encodedFields, err := encodeFields(fields)
	if err != nil {
		return tables.TableMetadata{}, err
	}
	definition := TableDefinition{ContainerID: containerID, Name: tableName, Fields: encodedFields}
	err = m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "container_id"}, {Name: "table_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields"}),
	}).Create(&definition).Error
	if err != nil {
		return tables.TableMetadata{}, err
	}
	var stored TableDefinition
	if err := m.db.WithContext(ctx).
		Where("container_id = ? AND table_name = ?", containerID, tableName).
		Take(&stored).Error; err != nil {
		return tables.TableMetadata{}, err
	}
	m.cache.Delete(idKey(tablestore.TableID(stored.ID)))
	m.cache.Delete(nameKey(containerID, tableName))
	return m.remember(stored)
}

func (m *MetadataStore) remember(definition TableDefinition) (tables.TableMetadata, error) {
	metadata, err := definition.Metadata()
	if err != nil {
		return tables.TableMetadata{}, err
	}
	m.cache.SetDefault(idKey(metadata.ID), metadata)
	m.cache.SetDefault(nameKey(metadata.ContainerID, metadata.TableName), metadata)
	return metadata, nil
}

func idKey(tableID tablestore.TableID) string {
	return "id:" + strconv.FormatInt(int64(tableID), 10)
}

func nameKey(containerID, tableName string) string {
	return "name:" + containerID + "/" + tableName
}
