package settings

import (
	"strings"
	"sync"
	"time"

	"github.com/companionlabs/companiond/internal/models"
	"gorm.io/gorm"
)

// snapshotTTL bounds how stale a settings snapshot may get before the next
// read refreshes it from the database.
const snapshotTTL = 5 * time.Second

// Store caches the settings table as a snapshot with a short TTL so hot
// paths never query the table per request.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time

	mu        sync.Mutex
	values    map[string]string
	refreshed time.Time
}

// NewStore constructs a Store over the given database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// Value returns the current value for key, refreshing the snapshot if stale.
// The second return reports whether the key exists.
func (s *Store) Value(key string) (string, bool) {
	if s == nil || s.db == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	if s.values == nil || now.Sub(s.refreshed) > snapshotTTL {
		s.reloadLocked(now)
	}
	value, ok := s.values[key]
	return value, ok
}

func (s *Store) reloadLocked(now time.Time) {
	var rows []models.Setting
	if errFind := s.db.Find(&rows).Error; errFind != nil {
		// Keep serving the previous snapshot on a transient DB error.
		return
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[strings.TrimSpace(row.Key)] = row.Value
	}
	s.values = values
	s.refreshed = now
}
