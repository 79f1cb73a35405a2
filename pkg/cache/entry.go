package cache

import (
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/dataset"
)

// Entry represents a cached dataset snapshot.
type Entry struct {
	// Key is the string form of the cache key
	Key string `json:"key"`

	// Records is the stored dataset
	Records dataset.Snapshot `json:"records"`

	// CreatedAt is when the snapshot was written
	CreatedAt time.Time `json:"created_at"`

	// SchemaVersion is the record schema the snapshot was written under
	SchemaVersion int `json:"schema_version"`
}

// Metadata describes a cache entry without its payload.
type Metadata struct {
	Key           string    `json:"key"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
	ItemCount     int       `json:"item_count"`
	PayloadBytes  int       `json:"payload_bytes"`

	// Expired is computed on read and never stored.
	Expired bool `json:"-"`
}

// IsExpired reports whether an entry created at createdAt is past ttl at now.
func IsExpired(createdAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(createdAt) >= ttl
}

// Age returns how long ago the entry was written.
func (m *Metadata) Age(now time.Time) time.Duration {
	age := now.Sub(m.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}
