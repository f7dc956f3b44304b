// Package storage persists chat transcripts in SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// driver, with WAL enabled for concurrent reads. This database lives in the
// application's own state directory — never inside the sandbox's allowed
// root, which only the interpreted code's output subtree may touch.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionRecord is one chat session.
type SessionRecord struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRecord is one transcript entry.
type MessageRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index"`
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is the SQLite-backed transcript store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or reopens) the transcript database at path.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &MessageRecord{}); err != nil {
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	slogger.Info("transcript store opened", slog.String("path", path))
	return &Store{db: db, logger: slogger}, nil
}

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	rec := SessionRecord{ID: sessionID}
	err := s.db.WithContext(ctx).
		Where(SessionRecord{ID: sessionID}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return fmt.Errorf("ensuring session %s: %w", sessionID, err)
	}
	return nil
}

// AppendMessage adds one transcript entry.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	if err := s.EnsureSession(ctx, sessionID); err != nil {
		return err
	}
	msg := MessageRecord{SessionID: sessionID, Role: role, Content: content}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("appending message to %s: %w", sessionID, err)
	}
	return nil
}

// History returns up to limit most recent messages, ordered oldest-first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	var msgs []MessageRecord
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", sessionID, err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&MessageRecord{}).Error; err != nil {
		return fmt.Errorf("deleting messages for %s: %w", sessionID, err)
	}
	if err := s.db.WithContext(ctx).
		Delete(&SessionRecord{ID: sessionID}).Error; err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
