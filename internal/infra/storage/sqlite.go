// Package storage persists the last known value of each key in SQLite.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"livedata_go/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite-backed last value repository.
type Storage struct {
	db *gorm.DB
}

var _ domain.LastValueRepository = (*Storage)(nil)

// NewStorage opens (creating if needed) the database at path.
// An empty path resolves to the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.LastValueRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "LiveData", "data", "lastvalues.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Last value operations
// ======================================================================================

// SaveLastValue creates or replaces the stored image of tick.Key
func (s *Storage) SaveLastValue(tick domain.Tick) error {
	rec, err := toRecord(tick)
	if err != nil {
		return err
	}
	return s.db.Save(rec).Error
}

// GetLastValue retrieves the stored image of key
func (s *Storage) GetLastValue(key domain.Key) (*domain.Tick, error) {
	var rec domain.LastValueRecord
	err := s.db.First(&rec, "key_id = ?", key.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// AllLastValues retrieves every stored image ordered by key
func (s *Storage) AllLastValues() ([]domain.Tick, error) {
	var recs []domain.LastValueRecord
	if err := s.db.Order("key_id").Find(&recs).Error; err != nil {
		return nil, err
	}

	ticks := make([]domain.Tick, 0, len(recs))
	for i := range recs {
		t, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, *t)
	}
	return ticks, nil
}

// DeleteLastValue removes the stored image of key
func (s *Storage) DeleteLastValue(key domain.Key) error {
	return s.db.Where("key_id = ?", key.String()).Delete(&domain.LastValueRecord{}).Error
}

func toRecord(tick domain.Tick) (*domain.LastValueRecord, error) {
	fields, err := json.Marshal(tick.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields of %s: %w", tick.Key, err)
	}
	return &domain.LastValueRecord{
		KeyID:    tick.Key.String(),
		Ticker:   tick.Key.Ticker,
		Scheme:   tick.Key.Scheme,
		Sequence: tick.Sequence,
		TickTime: tick.Timestamp,
		Fields:   string(fields),
	}, nil
}

func fromRecord(rec *domain.LastValueRecord) (*domain.Tick, error) {
	var fields map[string]decimal.Decimal
	if rec.Fields != "" {
		if err := json.Unmarshal([]byte(rec.Fields), &fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", rec.KeyID, err)
		}
	}
	return &domain.Tick{
		Key:       domain.NewKey(rec.Ticker, rec.Scheme),
		Sequence:  rec.Sequence,
		Timestamp: rec.TickTime,
		Fields:    fields,
	}, nil
}
