package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"proxyharvest/internal/domain"
)

// Repository is the persistence boundary of the pipeline.
type Repository interface {
	FindProxy(ctx context.Context, ip string, port uint16) (*domain.Proxy, error)
	UpsertProxy(ctx context.Context, proxy *domain.Proxy) error
	RecordProxyFailure(ctx context.Context, ip string, port uint16, testedAt time.Time, threshold uint32) (*domain.Proxy, error)
	ListProxies(ctx context.Context, filter ProxyFilter) ([]domain.Proxy, int64, error)
	ListCountryCodes(ctx context.Context) ([]string, error)
	DeleteFlaggedProxies(ctx context.Context) (int64, error)

	RecordSourceFetch(ctx context.Context, sourceID uint64, failed bool, at time.Time) error
	ListSources(ctx context.Context) ([]domain.Source, error)
	CreateSource(ctx context.Context, source *domain.Source) error
	UpsertSourceByName(ctx context.Context, source *domain.Source) error
	DeleteSource(ctx context.Context, id uint64) error
}

// StoreError marks a failed persistence operation. The pipeline treats it as
// fatal for the running cycle.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err originated in the store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// ErrInvalidSource wraps validation failures on source writes.
var ErrInvalidSource = errors.New("invalid source")

// Store implements Repository on top of gorm.
type Store struct {
	db *gorm.DB
}

var _ Repository = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return s.db
	}
	return s.db.WithContext(ctx)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
