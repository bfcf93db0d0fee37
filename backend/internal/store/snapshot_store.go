package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomSnapshot is the persisted full state of one room's document: the
// encoded replica, opaque to the database. Awareness is never written here.
type RoomSnapshot struct {
	RoomID    string `gorm:"primaryKey;size:191"`
	State     []byte `gorm:"type:longblob;not null"`
	UpdatedAt time.Time
}

func (RoomSnapshot) TableName() string { return "room_snapshots" }

// SnapshotStore implements the room registry's Loader and Flusher against
// mysql.
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) (*SnapshotStore, error) {
	if err := db.AutoMigrate(&RoomSnapshot{}); err != nil {
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// Load returns the last flushed snapshot; ok is false when the room has
// never been flushed (a cold room starts empty).
func (s *SnapshotStore) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	var snap RoomSnapshot
	err := s.db.WithContext(ctx).First(&snap, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return snap.State, true, nil
}

// Flush upserts the room's snapshot.
func (s *SnapshotStore) Flush(ctx context.Context, roomID string, snapshot []byte) error {
	snap := RoomSnapshot{RoomID: roomID, State: snapshot, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&snap).Error
}
