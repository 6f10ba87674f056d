// Package ledger persists identities and scores. Appends are never lost, and
// "new high score" is always derived by comparison, never stored.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one appended score record.
type Entry struct {
	ID        uint   `gorm:"primaryKey"`
	Category  string `gorm:"index:idx_category_score"`
	Handle    string
	Score     int64 `gorm:"index:idx_category_score"`
	SessionID string
	CreatedAt time.Time
}

// Ledger appends score entries and reports whether each one set a new
// maximum for its category. Duplicate submissions are legitimate; concurrent
// submissions must all land.
type Ledger interface {
	Submit(category, handle string, score int64, sessionID string) (isHigh bool, err error)
	Best(category string) (Entry, bool, error)
}

// --- Postgres-backed ledger (the deployed configuration) ---

type DB struct {
	db *gorm.DB
	mu sync.Mutex
}

func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	return &DB{db: db}, nil
}

func (l *DB) Submit(category, handle string, score int64, sessionID string) (bool, error) {
	// Compare-then-append under one lock so two sessions ending together
	// cannot both be told they hold the record.
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, found, err := l.bestLocked(category)
	if err != nil {
		return false, err
	}

	entry := Entry{Category: category, Handle: handle, Score: score, SessionID: sessionID}
	if err := l.db.Create(&entry).Error; err != nil {
		return false, fmt.Errorf("ledger append: %w", err)
	}
	return !found || score > prev.Score, nil
}

func (l *DB) Best(category string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bestLocked(category)
}

func (l *DB) bestLocked(category string) (Entry, bool, error) {
	var entry Entry
	err := l.db.Where("category = ?", category).
		Order("score desc").
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger query: %w", err)
	}
	return entry, true, nil
}

// --- In-memory ledger (no DATABASE_URL configured, and tests) ---

type Memory struct {
	mu      sync.Mutex
	entries []Entry
	nextID  uint
}

func NewMemory() *Memory {
	return &Memory{}
}

func (l *Memory) Submit(category, handle string, score int64, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, found := l.bestLocked(category)

	l.nextID++
	l.entries = append(l.entries, Entry{
		ID:        l.nextID,
		Category:  category,
		Handle:    handle,
		Score:     score,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	})
	return !found || score > prev.Score, nil
}

func (l *Memory) Best(category string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.bestLocked(category)
	return e, ok, nil
}

func (l *Memory) bestLocked(category string) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range l.entries {
		if e.Category != category {
			continue
		}
		if !found || e.Score > best.Score {
			best = e
			found = true
		}
	}
	return best, found
}

func (l *Memory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
