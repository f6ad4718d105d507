// Package store provides the persistence collaborator: an opaque, ordered,
// append-only record log keyed by stream.
//
// Stream names used by the engine:
//
//	timeline/<timeline-id>   committed actions
//	capture/<capture-id>     replay captures
//	replay/<session-id>      replay sessions and events
//	redteam/<timeline-id>    red-team outcomes
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned when (stream, seq) already exists.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Record is one persisted entry. Payload is opaque to the store.
type Record struct {
	Stream    string          `json:"stream"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Log is an append-and-read log. Append with Seq 0 assigns the next sequence
// number in the stream; a non-zero Seq must not already exist.
type Log interface {
	Append(ctx context.Context, rec Record) (uint64, error)
	Read(ctx context.Context, stream string) ([]Record, error)
	Streams(ctx context.Context, prefix string) ([]string, error)
}

// NewRecord marshals v into a record payload.
func NewRecord(stream string, seq uint64, kind string, v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Record{Stream: stream, Seq: seq, Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Stream name helpers.
func TimelineStream(id string) string { return "timeline/" + id }
func CaptureStream(id string) string  { return "capture/" + id }
func ReplayStream(id string) string   { return "replay/" + id }
func RedTeamStream(id string) string  { return "redteam/" + id }

// MemoryLog is an in-memory Log.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]Record
	clock   func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string][]Record),
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (m *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	m.clock = clock
	return m
}

func (m *MemoryLog) Append(ctx context.Context, rec Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.streams[rec.Stream]
	next := uint64(1)
	if n := len(recs); n > 0 {
		next = recs[n-1].Seq + 1
	}
	if rec.Seq == 0 {
		rec.Seq = next
	} else {
		for _, r := range recs {
			if r.Seq == rec.Seq {
				return 0, fmt.Errorf("%w: %s#%d", ErrDuplicate, rec.Stream, rec.Seq)
			}
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock().UTC()
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)

	recs = append(recs, rec)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	m.streams[rec.Stream] = recs
	return rec.Seq, nil
}

func (m *MemoryLog) Read(ctx context.Context, stream string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.streams[stream]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MemoryLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for s := range m.streams {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}
