package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proxyharvest/internal/domain"
)

// RecordSourceFetch counts one fetch attempt and stamps last_used.
func (s *Store) RecordSourceFetch(ctx context.Context, sourceID uint64, failed bool, at time.Time) error {
	failedInc := 0
	if failed {
		failedInc = 1
	}

	err := s.conn(ctx).Model(&domain.Source{}).
		Where("id = ?", sourceID).
		UpdateColumns(map[string]any{
			"total_conn_attempts":  gorm.Expr("total_conn_attempts + 1"),
			"failed_conn_attempts": gorm.Expr("failed_conn_attempts + ?", failedInc),
			"last_used":            at,
		}).Error
	return storeErr("record source fetch", err)
}

func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	var sources []domain.Source
	if err := s.conn(ctx).Order("name ASC").Find(&sources).Error; err != nil {
		return nil, storeErr("list sources", err)
	}
	return sources, nil
}

func (s *Store) CreateSource(ctx context.Context, source *domain.Source) error {
	if err := source.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	source.Protocol = source.Protocol.Canonical()
	return storeErr("create source", s.conn(ctx).Create(source).Error)
}

// UpsertSourceByName creates the source or refreshes its definition, leaving health counters untouched.
func (s *Store) UpsertSourceByName(ctx context.Context, source *domain.Source) error {
	if err := source.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	source.Protocol = source.Protocol.Canonical()
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"uri", "uri_predefined_type", "protocol", "updated_at"}),
	}).Create(source).Error
	return storeErr("upsert source", err)
}

func (s *Store) DeleteSource(ctx context.Context, id uint64) error {
	result := s.conn(ctx).Delete(&domain.Source{}, id)
	if result.Error != nil {
		return storeErr("delete source", result.Error)
	}
	if result.RowsAffected == 0 {
		return storeErr("delete source", gorm.ErrRecordNotFound)
	}
	return nil
}
