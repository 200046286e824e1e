package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// checkpointRecord is the GORM row model for one checkpoint.
type checkpointRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ThreadID       string `gorm:"index:idx_thread_version,priority:1;size:64"`
	Version        int    `gorm:"index:idx_thread_version,priority:2"`
	ParentID       string `gorm:"size:64"`
	Trigger        string `gorm:"size:32"`
	Reason         string
	Snapshot       []byte
	IntegrityHash  string `gorm:"size:64"`
	RawSize        int
	CompressedSize int
	CreatedAt      time.Time
}

func (checkpointRecord) TableName() string { return "workflow_checkpoints" }

// GormStore persists checkpoints through GORM. It works with any dialect
// the caller opens (SQLite, PostgreSQL, MySQL).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates the store and migrates its table.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("store", "gorm_checkpoint")),
	}, nil
}

func (s *GormStore) Save(ctx context.Context, cp *Checkpoint) error {
	rec := toRecord(cp)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.Int("version", cp.Version),
	)
	return nil
}

func (s *GormStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return fromRecord(&rec), nil
}

func (s *GormStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return fromRecord(&rec), nil
}

func (s *GormStore) ListByThread(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	var recs []checkpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("version ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	checkpoints := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		checkpoints = append(checkpoints, fromRecord(&recs[i]))
	}
	return checkpoints, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&checkpointRecord{}, "id = ?", id).Error
}

func toRecord(cp *Checkpoint) checkpointRecord {
	return checkpointRecord{
		ID:             cp.ID,
		ThreadID:       cp.ThreadID,
		Version:        cp.Version,
		ParentID:       cp.ParentID,
		Trigger:        string(cp.Trigger),
		Reason:         cp.Reason,
		Snapshot:       cp.StateSnapshot,
		IntegrityHash:  cp.IntegrityHash,
		RawSize:        cp.RawSize,
		CompressedSize: cp.CompressedSize,
		CreatedAt:      cp.CreatedAt,
	}
}

func fromRecord(rec *checkpointRecord) *Checkpoint {
	return &Checkpoint{
		ID:             rec.ID,
		ThreadID:       rec.ThreadID,
		Version:        rec.Version,
		ParentID:       rec.ParentID,
		Trigger:        Trigger(rec.Trigger),
		Reason:         rec.Reason,
		StateSnapshot:  rec.Snapshot,
		IntegrityHash:  rec.IntegrityHash,
		RawSize:        rec.RawSize,
		CompressedSize: rec.CompressedSize,
		CreatedAt:      rec.CreatedAt,
	}
}
