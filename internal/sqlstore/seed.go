package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
)

// SeedFile is the YAML document accepted by the seed command.
type SeedFile struct {
	Containers []SeedContainer `yaml:"containers"`
}

// SeedContainer groups the tables and auxiliary entities of one container.
type SeedContainer struct {
	ID      string           `yaml:"id"`
	Tables  []SeedTable      `yaml:"tables"`
	Users   []records.Record `yaml:"users"`
	Buckets []records.Record `yaml:"buckets"`
}

// SeedTable declares a table definition plus optional rows.
type SeedTable struct {
	Name   string           `yaml:"name"`
	Fields []tables.Field   `yaml:"fields"`
	Rows   []records.Record `yaml:"rows"`
}

// SeedSummary reports what ApplySeed wrote.
type SeedSummary struct {
	Tables   []tables.TableMetadata
	Rows     int
	Entities int
}

// ParseSeed decodes a seed document, rejecting unknown keys.
func ParseSeed(reader io.Reader) (SeedFile, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var seed SeedFile
	if err := decoder.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return SeedFile{}, nil
		}
		return SeedFile{}, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

// ApplySeed registers every table and writes its rows and entities. Rows that already
// exist by id are skipped so a seed can be re-applied.
func (s *Store) ApplySeed(ctx context.Context, seed SeedFile) (SeedSummary, error) {
	var summary SeedSummary
	for _, container := range seed.Containers {
		for _, table := range container.Tables {
			metadata, err := s.metadata.Register(ctx, container.ID, table.Name, table.Fields)
			if err != nil {
				return summary, fmt.Errorf("register %s/%s: %w", container.ID, table.Name, err)
			}
			summary.Tables = append(summary.Tables, metadata)
			for _, row := range table.Rows {
				if recordID, ok := row.ID(); ok {
					if _, err := s.FetchRecord(ctx, container.ID, table.Name, recordID); err == nil {
						continue
					}
				}
				if _, err := s.CreateRecord(ctx, container.ID, table.Name, row); err != nil {
					return summary, fmt.Errorf("seed row into %s/%s: %w", container.ID, table.Name, err)
				}
				summary.Rows++
			}
		}
		for _, user := range container.Users {
			if err := s.PutEntity(ctx, container.ID, EntityKindUser, user); err != nil {
				return summary, err
			}
			summary.Entities++
		}
		for _, bucket := range container.Buckets {
			if err := s.PutEntity(ctx, container.ID, EntityKindBucket, bucket); err != nil {
				return summary, err
			}
			summary.Entities++
		}
	}
	return summary, nil
}
