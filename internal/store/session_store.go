// Package store defines the Session Store contract (spec §4.5): a
// durable, at-most-one-writer-per-key conversation transcript with a
// bounded in-memory cache and write-back eviction. Grounded on the
// teacher's internal/store/session_store.go interface shape and
// internal/sessions/manager.go's atomic-write persistence, redesigned
// around this spec's append-only-NDJSON-plus-LRU-cache contract instead
// of the teacher's one-JSON-file-per-session, load-everything-at-startup
// model.
package store

import (
	"time"

	"github.com/nibot/nibot/internal/types"
)

// Session is the in-memory representation of one conversation transcript,
// keyed by "channel:chat_id".
type Session struct {
	Key              string          `json:"key"`
	Messages         []types.Message `json:"-"`
	CompactedSummary string          `json:"-"`
	CreatedAt        time.Time       `json:"-"`
	UpdatedAt        time.Time       `json:"-"`
}

// Clone returns a deep-enough copy for cache/eviction comparisons and
// safe handoff across the session lock boundary.
func (s *Session) Clone() *Session {
	out := &Session{
		Key:              s.Key,
		CompactedSummary: s.CompactedSummary,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	out.Messages = make([]types.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// SessionSummary is the lightweight record returned by QueryRecent: enough
// to populate an admin list without loading full history into the cache.
type SessionSummary struct {
	Key          string
	MessageCount int
	LastUserPreview string
	UpdatedAt    time.Time
}

// SearchHit is one match returned by Search.
type SearchHit struct {
	SessionKey      string
	Role            string
	Timestamp       time.Time
	ContentPreview  string
}

// SessionStore is the Session Store capability (spec §4.5).
type SessionStore interface {
	// GetOrCreate returns the cached session for key (promoting it to MRU),
	// loading it from disk or constructing an empty one otherwise.
	GetOrCreate(key string) *Session

	// LockFor returns the persistent per-key lock, constructing it on first
	// use. The lock survives cache eviction.
	LockFor(key string) Locker

	// AddMessage assigns a 12-hex id to msg (backfilling ParentID from the
	// session's previous message when msg.ParentID is empty) and appends it.
	AddMessage(key string, msg types.Message) types.Message

	// GetHistory returns the full, in-order message list for key.
	GetHistory(key string) []types.Message

	// GetBranch returns the root-to-leaf path ending at leafID, or the full
	// linear history when leafID cannot be resolved.
	GetBranch(key, leafID string) []types.Message

	GetSummary(key string) string
	SetSummary(key, summary string)

	// Save forces a write-back of key's cached state to disk.
	Save(key string) error

	// Delete removes key from cache and disk.
	Delete(key string) error

	// QueryRecent returns up to limit session summaries ordered by most
	// recently updated, without populating the cache.
	QueryRecent(limit int) []SessionSummary

	// IterRecentFromDisk returns up to limit full sessions ordered by most
	// recently updated, read directly from disk (bypassing the cache).
	IterRecentFromDisk(limit int) []*Session

	// IterAllFromDisk returns every non-archived session, read directly
	// from disk.
	IterAllFromDisk() []*Session

	// Search scans all non-archived session files for query, returning up
	// to maxResults hits ordered by session then timestamp.
	Search(query string, maxResults int) []SearchHit

	// Archive moves key's session file into the archive/ subdirectory,
	// removing it from cache, search, and iteration.
	Archive(key string) error

	// ArchiveOld archives every session whose file has not been modified
	// within the last `days` days. Returns the count archived.
	ArchiveOld(days int) (int, error)
}

// Locker is the minimal mutex surface LockFor returns (satisfied by
// *sync.Mutex); kept as an interface so callers never need the concrete
// sync type to depend on this package.
type Locker interface {
	Lock()
	Unlock()
}
