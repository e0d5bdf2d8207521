package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proxyharvest/internal/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type ProxyFilter struct {
	CountryCode string
	Protocol    domain.Protocol
	Limit       int
	Offset      int
}

var proxyUpsertColumns = []string{
	"protocol",
	"latency",
	"last_tested",
	"consecutive_failures",
	"marked_for_removal",
	"geo_country_iso_code",
	"geo_country_name",
	"geo_region",
	"geo_city",
	"geo_latitude",
	"geo_longitude",
	"updated_at",
}

// FindProxy returns nil without error when no proxy has the given identity.
func (s *Store) FindProxy(ctx context.Context, ip string, port uint16) (*domain.Proxy, error) {
	var proxy domain.Proxy
	err := s.conn(ctx).Where("ip = ? AND port = ?", ip, port).Take(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find proxy", err)
	}
	return &proxy, nil
}

// UpsertProxy inserts the proxy or overwrites every mutable column of the row with the same identity.
func (s *Store) UpsertProxy(ctx context.Context, proxy *domain.Proxy) error {
	row := *proxy
	row.ID = 0
	row.UpdatedAt = time.Now()

	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}, {Name: "port"}},
		DoUpdates: clause.AssignmentColumns(proxyUpsertColumns),
	}).Create(&row).Error
	if err != nil {
		return storeErr("upsert proxy", err)
	}
	proxy.UpdatedAt = row.UpdatedAt
	return nil
}

// RecordProxyFailure bumps the failure streak of an existing proxy in one
// statement and flags it once the streak reaches threshold. It returns nil
// when the identity has never been stored.
func (s *Store) RecordProxyFailure(ctx context.Context, ip string, port uint16, testedAt time.Time, threshold uint32) (*domain.Proxy, error) {
	flagExpr := gorm.Expr("marked_for_removal")
	if threshold > 0 {
		flagExpr = gorm.Expr("CASE WHEN consecutive_failures + 1 >= ? THEN ? ELSE marked_for_removal END", threshold, true)
	}

	result := s.conn(ctx).Model(&domain.Proxy{}).
		Where("ip = ? AND port = ?", ip, port).
		UpdateColumns(map[string]any{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"marked_for_removal":   flagExpr,
			"last_tested":          testedAt,
			"updated_at":           testedAt,
		})
	if result.Error != nil {
		return nil, storeErr("record proxy failure", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return s.FindProxy(ctx, ip, port)
}

// ListProxies pages through proxies that are not flagged for removal, fastest first.
func (s *Store) ListProxies(ctx context.Context, filter ProxyFilter) ([]domain.Proxy, int64, error) {
	query := s.conn(ctx).Model(&domain.Proxy{}).Where("marked_for_removal = ?", false)
	if code := strings.ToUpper(strings.TrimSpace(filter.CountryCode)); code != "" {
		query = query.Where("geo_country_iso_code = ?", code)
	}
	if filter.Protocol != domain.ProtocolUnknown {
		query = query.Where("protocol = ?", filter.Protocol)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storeErr("count proxies", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	proxies := make([]domain.Proxy, 0, limit)
	err := query.
		Order("latency ASC").
		Order("id ASC").
		Limit(limit).
		Offset(max(filter.Offset, 0)).
		Find(&proxies).Error
	if err != nil {
		return nil, 0, storeErr("list proxies", err)
	}
	return proxies, total, nil
}

// ListCountryCodes returns the distinct, sorted country codes of listable proxies.
func (s *Store) ListCountryCodes(ctx context.Context) ([]string, error) {
	var codes []string
	err := s.conn(ctx).Model(&domain.Proxy{}).
		Where("marked_for_removal = ? AND geo_country_iso_code <> ''", false).
		Distinct("geo_country_iso_code").
		Order("geo_country_iso_code").
		Pluck("geo_country_iso_code", &codes).Error
	if err != nil {
		return nil, storeErr("list country codes", err)
	}
	return codes, nil
}

func (s *Store) DeleteFlaggedProxies(ctx context.Context) (int64, error) {
	result := s.conn(ctx).Where("marked_for_removal = ?", true).Delete(&domain.Proxy{})
	if result.Error != nil {
		return 0, storeErr("delete flagged proxies", result.Error)
	}
	return result.RowsAffected, nil
}

// FlagProxiesMatching marks every stored proxy whose IP satisfies match for
// removal. Rows are scanned in batches so the predicate can run in memory.
func (s *Store) FlagProxiesMatching(ctx context.Context, match func(ip string) bool) (int64, error) {
	type row struct {
		ID uint64
		IP string
	}

	var (
		ids   []uint64
		batch []row
	)
	err := s.conn(ctx).Model(&domain.Proxy{}).
		Select("id", "ip").
		Where("marked_for_removal = ?", false).
		FindInBatches(&batch, 1000, func(tx *gorm.DB, _ int) error {
			for _, r := range batch {
				if match(r.IP) {
					ids = append(ids, r.ID)
				}
			}
			return nil
		}).Error
	if err != nil {
		return 0, storeErr("scan proxies", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.conn(ctx).Model(&domain.Proxy{}).
		Where("id IN ?", ids).
		UpdateColumn("marked_for_removal", true)
	if result.Error != nil {
		return 0, storeErr("flag proxies", result.Error)
	}
	return result.RowsAffected, nil
}
