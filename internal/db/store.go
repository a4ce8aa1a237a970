package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/kommemeorate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key identifies the platform message a meme came from.
type Key struct {
	Platform  string
	ChatID    string
	MessageID int64
}

// Store reads and writes meme records.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return Close(s.db) }

// Upsert inserts m, or updates the record with the same platform, chat and
// source message id.
func (s *Store) Upsert(ctx context.Context, m *models.Meme) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "platform"}, {Name: "chat_id"}, {Name: "source_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"spoiler", "text", "timestamp", "account", "channel", "filename", "updated_at",
		}),
	}).Create(m)
	if result.Error != nil {
		return fmt.Errorf("db: upsert meme %s: %w", m.Filename, result.Error)
	}
	return nil
}

// Get returns the record for k, or nil if there is none.
func (s *Store) Get(ctx context.Context, k Key) (*models.Meme, error) {
	var m models.Meme
	err := s.db.WithContext(ctx).
		Where("platform = ? AND chat_id = ? AND source_message_id = ?", k.Platform, k.ChatID, k.MessageID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get meme %s/%s/%d: %w", k.Platform, k.ChatID, k.MessageID, err)
	}
	return &m, nil
}

// Matching returns every record for the message. An empty ChatID matches
// the message id in any chat of the platform.
func (s *Store) Matching(ctx context.Context, k Key) ([]models.Meme, error) {
	q := s.db.WithContext(ctx).Where("platform = ? AND source_message_id = ?", k.Platform, k.MessageID)
	if k.ChatID != "" {
		q = q.Where("chat_id = ?", k.ChatID)
	}
	var memes []models.Meme
	if err := q.Order("id").Find(&memes).Error; err != nil {
		return nil, fmt.Errorf("db: find memes for %s/%s/%d: %w", k.Platform, k.ChatID, k.MessageID, err)
	}
	return memes, nil
}

// Delete removes the record with the given id.
func (s *Store) Delete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.Meme{}, id).Error; err != nil {
		return fmt.Errorf("db: delete meme %d: %w", id, err)
	}
	return nil
}

// Filenames returns the id and filename of every record.
func (s *Store) Filenames(ctx context.Context) (map[uint]string, error) {
	var rows []models.Meme
	if err := s.db.WithContext(ctx).Select("id", "filename").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: list filenames: %w", err)
	}
	out := make(map[uint]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Filename
	}
	return out, nil
}

// Count returns the number of stored memes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Meme{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("db: count memes: %w", err)
	}
	return n, nil
}
