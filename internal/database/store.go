package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"wgkeeper/internal/models"
)

// Store is the persistent peer directory.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ready reports whether the underlying connection is usable.
func (s *Store) Ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, p *models.Peer) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return translate(err, "create peer "+p.Name)
	}
	return nil
}

func (s *Store) GetByName(ctx context.Context, name string) (*models.Peer, error) {
	var p models.Peer
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error; err != nil {
		return nil, translate(err, "get peer "+name)
	}
	return &p, nil
}

func (s *Store) List(ctx context.Context) ([]models.Peer, error) {
	var peers []models.Peer
	if err := s.db.WithContext(ctx).Order("name").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Peer{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}

// UsedAddresses returns every address currently recorded in the directory.
func (s *Store) UsedAddresses(ctx context.Context) ([]string, error) {
	var addrs []string
	if err := s.db.WithContext(ctx).Model(&models.Peer{}).Pluck("address", &addrs).Error; err != nil {
		return nil, fmt.Errorf("list used addresses: %w", err)
	}
	return addrs, nil
}

// UpdateFields writes the given columns for one peer and returns the
// refreshed record.
func (s *Store) UpdateFields(ctx context.Context, name string, cols map[string]any) (*models.Peer, error) {
	res := s.db.WithContext(ctx).Model(&models.Peer{}).Where("name = ?", name).Updates(cols)
	if res.Error != nil {
		return nil, translate(res.Error, "update peer "+name)
	}
	return s.GetByName(ctx, name)
}

// UpdateStats merges statistics for an enabled peer. A disabled peer is
// never written, so a concurrent disable always keeps its cleared fields.
func (s *Store) UpdateStats(ctx context.Context, name string, patch models.StatsPatch) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("name = ? AND enabled = ?", name, true).
		Updates(patch.Columns())
	if res.Error != nil {
		return false, fmt.Errorf("update stats for %s: %w", name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClearStats zeroes the statistics of a disabled peer. An enabled peer is
// left alone, so a clear that races with enable cannot wipe fresh counters.
func (s *Store) ClearStats(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("name = ? AND enabled = ?", name, false).
		Updates(models.ClearedStatsColumns())
	if res.Error != nil {
		return fmt.Errorf("clear stats for %s: %w", name, res.Error)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&models.Peer{})
	if res.Error != nil {
		return fmt.Errorf("delete peer %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete peer %s: %w", name, models.ErrNotFound)
	}
	return nil
}

func translate(err error, op string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, models.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isUniqueViolation catches drivers that don't implement gorm's error
// translator.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
