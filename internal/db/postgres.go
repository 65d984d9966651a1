package db

import (
	"context"
	"errors"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type roomRecord struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (roomRecord) TableName() string {
	return "rooms"
}

type strokeRecord struct {
	ID        uint               `gorm:"primaryKey;autoIncrement"`
	RoomID    string             `gorm:"not null;index:idx_strokes_room_seq"`
	Seq       int64              `gorm:"not null;index:idx_strokes_room_seq"`
	Type      string             `gorm:"not null"`
	Data      *strokelog.Segment `gorm:"type:jsonb"`
	CreatedAt time.Time          `gorm:"not null"`
}

func (strokeRecord) TableName() string {
	return "stroke_events"
}

func toRecord(roomID string, ev strokelog.Event) strokeRecord {
	return strokeRecord{
		RoomID:    roomID,
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Data:      ev.Data,
		CreatedAt: ev.Timestamp.UTC(),
	}
}

func (r strokeRecord) event() strokelog.Event {
	return strokelog.Event{
		Seq:       r.Seq,
		Type:      strokelog.EventType(r.Type),
		Data:      r.Data,
		Timestamp: r.CreatedAt.UTC(),
	}
}

// PostgresStore is the gorm backed stroke log backend.
type PostgresStore struct {
	db *gorm.DB
}

var _ strokelog.Backend = (*PostgresStore)(nil)

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewGorm(db)
}

// NewGorm wraps an already opened connection and migrates the schema.
func NewGorm(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&roomRecord{}, &strokeRecord{}); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func createRoomRecord(tx *gorm.DB, roomID string) (bool, error) {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&roomRecord{ID: roomID})
	if err := result.Error; err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

func touchRoomRecord(tx *gorm.DB, roomID string) error {
	return tx.Model(&roomRecord{}).Where("id = ?", roomID).Update("updated_at", time.Now().UTC()).Error
}

func (p *PostgresStore) CreateRoom(ctx context.Context, roomID string) (bool, error) {
	return createRoomRecord(p.db.WithContext(ctx), roomID)
}

func (p *PostgresStore) GetRoom(ctx context.Context, roomID string) (*strokelog.Room, error) {
	var rec roomRecord
	err := p.db.WithContext(ctx).Where("id = ?", roomID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &strokelog.Room{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt.UTC(),
		LastActivity: rec.UpdatedAt.UTC(),
	}, nil
}

func (p *PostgresStore) Append(ctx context.Context, roomID string, ev strokelog.Event) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := createRoomRecord(tx, roomID); err != nil {
			return err
		}
		rec := toRecord(roomID, ev)
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return touchRoomRecord(tx, roomID)
	})
}

func (p *PostgresStore) Replace(ctx context.Context, roomID string, events []strokelog.Event) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := createRoomRecord(tx, roomID); err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&strokeRecord{}).Error; err != nil {
			return err
		}
		if len(events) > 0 {
			recs := make([]strokeRecord, len(events))
			for i, ev := range events {
				recs[i] = toRecord(roomID, ev)
			}
			if err := tx.Create(&recs).Error; err != nil {
				return err
			}
		}
		return touchRoomRecord(tx, roomID)
	})
}

func (p *PostgresStore) Load(ctx context.Context, roomID string) ([]strokelog.Event, error) {
	var recs []strokeRecord
	err := p.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("seq ASC").
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	events := make([]strokelog.Event, len(recs))
	for i, rec := range recs {
		events[i] = rec.event()
	}
	return events, nil
}

func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
