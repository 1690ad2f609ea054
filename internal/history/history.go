// Package history persists completed evaluations to sqlite for later
// inspection. The store is strictly write-behind: the eval path never
// blocks on it.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// codePreviewLimit bounds the stored snippet text.
const codePreviewLimit = 200

// Evaluation is one completed evaluation.
type Evaluation struct {
	ID         string `gorm:"primaryKey"`
	Platform   string
	Status     int
	DurationMS float64 `gorm:"column:duration_ms"`
	Code       string
	CreatedAt  time.Time
}

// Store wraps the sqlite database.
type Store struct {
	db *gorm.DB
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Evaluation{}); err != nil {
		return nil, fmt.Errorf("migrating history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one evaluation, truncating the code preview.
func (s *Store) Record(e Evaluation) error {
	if len(e.Code) > codePreviewLimit {
		e.Code = e.Code[:codePreviewLimit]
	}
	return s.db.Create(&e).Error
}

// Recent returns the n most recent evaluations, newest first.
func (s *Store) Recent(n int) ([]Evaluation, error) {
	var out []Evaluation
	err := s.db.Order("created_at desc").Limit(n).Find(&out).Error
	return out, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
