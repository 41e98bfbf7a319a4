// Package store persists what a session produced: payloads received over
// the secondary link and the outcome of bulk transfers.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/user/bluelink/handoff"
)

// Handoff is one payload received over the secondary link
type Handoff struct {
	ID        string `gorm:"primaryKey"`
	Peer      string `gorm:"index"`
	Size      int
	Data      []byte
	CreatedAt time.Time
}

// TransferRecord is the final outcome of one bulk transfer job
type TransferRecord struct {
	ID        string `gorm:"primaryKey"` // transfer job id
	Role      string
	Peer      string `gorm:"index"`
	Status    string
	Sent      int64
	Total     int64
	ChunkSize int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a sqlite database of handoffs and transfers
type Store struct {
	DB *gorm.DB
}

var _ handoff.Sink = (*Store)(nil)

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Handoff{}, &TransferRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveHandoff stores a payload received from peer
func (s *Store) SaveHandoff(ctx context.Context, peer string, data []byte) error {
	h := Handoff{
		ID:   uuid.NewString(),
		Peer: peer,
		Size: len(data),
		Data: data,
	}
	return s.DB.WithContext(ctx).Create(&h).Error
}

// Handoffs returns the payloads received from peer, newest first. An empty
// peer returns every payload.
func (s *Store) Handoffs(ctx context.Context, peer string) ([]Handoff, error) {
	var out []Handoff
	q := s.DB.WithContext(ctx).Order("created_at desc")
	if peer != "" {
		q = q.Where("peer = ?", peer)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordTransfer inserts or updates the record of a transfer job
func (s *Store) RecordTransfer(ctx context.Context, rec TransferRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("transfer record without job id")
	}
	return s.DB.WithContext(ctx).Save(&rec).Error
}

// Transfer returns the record of job id
func (s *Store) Transfer(ctx context.Context, id string) (TransferRecord, error) {
	var rec TransferRecord
	err := s.DB.WithContext(ctx).First(&rec, "id = ?", id).Error
	return rec, err
}

// Transfers returns every recorded transfer, newest first
func (s *Store) Transfers(ctx context.Context) ([]TransferRecord, error) {
	var out []TransferRecord
	if err := s.DB.WithContext(ctx).Order("created_at desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
