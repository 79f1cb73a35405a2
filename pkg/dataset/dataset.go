// Package dataset holds the records accumulated during one loading session.
//
// Records are opaque to this module: they are produced by an external
// normalizer and handed unchanged to consumers and to the cache. A Dataset
// only ever grows, and every Snapshot taken from it stays valid and unchanged
// while later pages are appended.
package dataset

import (
	"encoding/json"
	"errors"
	"sync"
)

// Record is a normalized unit of domain data. It must not be modified once
// produced by a Normalizer.
type Record = json.RawMessage

// ErrRejected marks a raw record the normalizer refused.
var ErrRejected = errors.New("record rejected")

// Normalizer validates and reshapes one raw API record. Returning an error
// drops the record from the dataset.
type Normalizer func(raw json.RawMessage) (Record, error)

// PassThrough accepts every record that is valid JSON and keeps its bytes.
func PassThrough(raw json.RawMessage) (Record, error) {
	if !json.Valid(raw) {
		return nil, ErrRejected
	}
	return Record(raw), nil
}

// Snapshot is a read-only view of a Dataset at one point in time.
type Snapshot []Record

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s)
}

// Dataset is an append-only ordered sequence of records.
type Dataset struct {
	mu      sync.RWMutex
	records []Record
}

// New creates an empty dataset.
func New() *Dataset {
	return &Dataset{}
}

// FromSnapshot seeds a dataset with previously stored records.
func FromSnapshot(s Snapshot) *Dataset {
	records := make([]Record, len(s))
	copy(records, s)
	return &Dataset{records: records}
}

// Append adds records to the end of the dataset.
func (d *Dataset) Append(records ...Record) {
	if len(records) == 0 {
		return
	}
	d.mu.Lock()
	d.records = append(d.records, records...)
	d.mu.Unlock()
}

// Len returns the current number of records.
func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Snapshot returns the current records. The returned slice has its capacity
// clipped to its length, so later appends never write into memory it can see.
func (d *Dataset) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.records)
	return Snapshot(d.records[:n:n])
}

// Normalize runs fn over a raw page and returns the accepted records along
// with the number rejected.
func Normalize(fn Normalizer, raw []json.RawMessage) ([]Record, int) {
	if fn == nil {
		fn = PassThrough
	}
	out := make([]Record, 0, len(raw))
	rejected := 0
	for _, item := range raw {
		rec, err := fn(item)
		if err != nil {
			rejected++
			continue
		}
		out = append(out, rec)
	}
	return out, rejected
}
