// Package timeline holds the append-only, hash-chained history of committed actions.
//
//   - Entries are appended in sequence order starting at 1, without gaps
//   - Each entry is hash-chained to its predecessor
//   - Entries are never mutated or removed; forks copy the prefix they share
package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
)

const genesis = "genesis"

// Action is one committed simulation step. Values returned by a Timeline share
// evidence slices with the timeline and must not be mutated.
type Action struct {
	ID          string            `json:"id"`
	Seq         uint64            `json:"seq"`
	Type        engine.ActionType `json:"type"`
	Delta       engine.Delta      `json:"delta"`
	Before      engine.Snapshot   `json:"before"`
	After       engine.Snapshot   `json:"after"`
	Rationale   string            `json:"rationale,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Signals     []abuse.Signal    `json:"signals,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
}

// Observation returns the action in the shape abuse detectors consume.
func (a Action) Observation() abuse.Observation {
	return abuse.Observation{Delta: a.Delta, Before: a.Before, After: a.After}
}

func (a Action) computeHash() (string, error) {
	hashInput := struct {
		ID        string            `json:"id"`
		Seq       uint64            `json:"seq"`
		Type      engine.ActionType `json:"type"`
		Delta     engine.Delta      `json:"delta"`
		Before    engine.Snapshot   `json:"before"`
		After     engine.Snapshot   `json:"after"`
		Rationale string            `json:"rationale"`
		Actor     string            `json:"actor"`
		PrevHash  string            `json:"prev"`
	}{a.ID, a.Seq, a.Type, a.Delta, a.Before, a.After, a.Rationale, a.Actor, a.PrevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal action: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize action: %w", err)
	}
	h := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Timeline is an ordered list of actions over a base snapshot.
//
// Reads take mu. Writers additionally serialize on writeMu through Commit so a
// read-apply-append cycle is never interleaved with another writer.
type Timeline struct {
	mu       sync.RWMutex
	writeMu  sync.Mutex
	id       string
	parentID string
	forkSeq  uint64
	base     engine.Snapshot
	actions  []Action
	headHash string
	clock    func() time.Time
}

// New creates an empty timeline over base.
func New(id string, base engine.Snapshot) *Timeline {
	return &Timeline{
		id:       id,
		base:     base.Clone(),
		actions:  make([]Action, 0),
		headHash: genesis,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

// Now returns the timeline clock reading.
func (t *Timeline) Now() time.Time { return t.clock() }

// ID returns the timeline identifier.
func (t *Timeline) ID() string { return t.id }

// Parent returns the timeline this one was forked from and the sequence number
// of the last shared action. Root timelines return "", 0.
func (t *Timeline) Parent() (string, uint64) { return t.parentID, t.forkSeq }

// Base returns the snapshot the first action applies to.
func (t *Timeline) Base() engine.Snapshot { return t.base }

// Len returns the number of committed actions.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.actions)
}

// Head returns the sequence number of the last action (0 when empty).
func (t *Timeline) Head() uint64 {
	return uint64(t.Len())
}

// HeadHash returns the hash of the last action.
func (t *Timeline) HeadHash() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.headHash
}

// Current returns the latest snapshot: the last action's After, or the base.
func (t *Timeline) Current() engine.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentLocked()
}

func (t *Timeline) currentLocked() engine.Snapshot {
	if n := len(t.actions); n > 0 {
		return t.actions[n-1].After
	}
	return t.base
}

// History yields actions in commit order. The sequence is lazy, finite and
// restartable; each iteration observes the actions committed when it started.
func (t *Timeline) History() iter.Seq[Action] {
	return func(yield func(Action) bool) {
		for _, a := range t.view() {
			if !yield(a) {
				return
			}
		}
	}
}

// Actions returns a copy of the committed actions.
func (t *Timeline) Actions() []Action {
	v := t.view()
	out := make([]Action, len(v))
	copy(out, v)
	return out
}

// Recent returns up to n of the latest actions, oldest first.
func (t *Timeline) Recent(n int) []Action {
	v := t.view()
	if n < len(v) {
		v = v[len(v)-n:]
	}
	out := make([]Action, len(v))
	copy(out, v)
	return out
}

// view returns the committed prefix. Elements below the captured length are
// never written again, so the slice may be read without holding mu.
func (t *Timeline) view() []Action {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.actions[:len(t.actions):len(t.actions)]
}

// Action looks up an action by ID.
func (t *Timeline) Action(id string) (Action, error) {
	for _, a := range t.view() {
		if a.ID == id {
			return a, nil
		}
	}
	return Action{}, errorir.NotFound("action %s not found in timeline %s", id, t.id)
}

// At returns the action with the given sequence number.
func (t *Timeline) At(seq uint64) (Action, error) {
	v := t.view()
	if seq == 0 || seq > uint64(len(v)) {
		return Action{}, errorir.NotFound("action #%d not found in timeline %s", seq, t.id)
	}
	return v[seq-1], nil
}

// Commit runs fn while holding the timeline's single-writer lock. fn receives
// the current snapshot and head sequence and is expected to finish with Append.
func (t *Timeline) Commit(fn func(current engine.Snapshot, head uint64) error) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	cur, head := t.currentLocked(), uint64(len(t.actions))
	t.mu.RUnlock()

	return fn(cur, head)
}

// Prepare assigns the sequence number, chain link and hash an action would get
// if appended at expectedSeq. It does not modify the timeline.
func (t *Timeline) Prepare(expectedSeq uint64, a Action) (Action, error) {
	t.mu.RLock()
	head, prev := uint64(len(t.actions)), t.headHash
	t.mu.RUnlock()

	if head != expectedSeq {
		return Action{}, errorir.Conflict("timeline %s: expected head #%d, found #%d", t.id, expectedSeq, head)
	}
	a.Seq = expectedSeq + 1
	a.PrevHash = prev
	if a.CommittedAt.IsZero() {
		a.CommittedAt = t.clock().UTC()
	}
	h, err := a.computeHash()
	if err != nil {
		return Action{}, err
	}
	a.Hash = h
	return a, nil
}

// Append adds a prepared or unprepared action if the head is still at
// expectedSeq; otherwise it fails with a ConcurrentWriteConflict.
func (t *Timeline) Append(expectedSeq uint64, a Action) (Action, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	head := uint64(len(t.actions))
	if head != expectedSeq {
		return Action{}, errorir.Conflict("timeline %s: expected head #%d, found #%d", t.id, expectedSeq, head)
	}
	if a.Seq != expectedSeq+1 || a.PrevHash != t.headHash || a.Hash == "" {
		a.Seq = expectedSeq + 1
		a.PrevHash = t.headHash
		if a.CommittedAt.IsZero() {
			a.CommittedAt = t.clock().UTC()
		}
		h, err := a.computeHash()
		if err != nil {
			return Action{}, err
		}
		a.Hash = h
	}

	t.actions = append(t.actions, a)
	t.headHash = a.Hash
	return a, nil
}

// Fork creates an independent timeline sharing history up to and including
// atActionID. An empty atActionID forks at the base snapshot.
func (t *Timeline) Fork(newID, atActionID string) (*Timeline, error) {
	v := t.view()
	cut := 0
	if atActionID != "" {
		found := false
		for i, a := range v {
			if a.ID == atActionID {
				cut, found = i+1, true
				break
			}
		}
		if !found {
			return nil, errorir.NotFound("action %s not found in timeline %s", atActionID, t.id)
		}
	}

	actions := make([]Action, cut)
	copy(actions, v[:cut])
	head := genesis
	if cut > 0 {
		head = actions[cut-1].Hash
	}
	return &Timeline{
		id:       newID,
		parentID: t.id,
		forkSeq:  uint64(cut),
		base:     t.base,
		actions:  actions,
		headHash: head,
		clock:    t.clock,
	}, nil
}

// Load rebuilds a timeline from persisted actions, verifying order and chain.
func Load(id string, base engine.Snapshot, actions []Action) (*Timeline, error) {
	t := New(id, base)
	for _, a := range actions {
		if a.Seq != uint64(len(t.actions))+1 {
			return nil, errorir.InvalidState("timeline %s: action %s has seq %d, want %d", id, a.ID, a.Seq, len(t.actions)+1)
		}
		t.actions = append(t.actions, a)
		t.headHash = a.Hash
	}
	if err := t.Verify(); err != nil {
		return nil, err
	}
	return t, nil
}

// Verify checks sequence numbers, snapshot continuity and the hash chain.
func (t *Timeline) Verify() error {
	prevHash := genesis
	prev := t.base
	for i, a := range t.view() {
		if a.Seq != uint64(i+1) {
			return errorir.InvalidState("timeline %s: entry %d has seq %d", t.id, i+1, a.Seq)
		}
		if a.PrevHash != prevHash {
			return errorir.InvalidState("timeline %s: chain broken at #%d", t.id, a.Seq)
		}
		h, err := a.computeHash()
		if err != nil {
			return err
		}
		if h != a.Hash {
			return errorir.InvalidState("timeline %s: hash mismatch at #%d", t.id, a.Seq)
		}
		if a.Before.Timestamp != prev.Timestamp || a.Before.Outputs != prev.Outputs {
			return errorir.InvalidState("timeline %s: #%d does not start from its predecessor", t.id, a.Seq)
		}
		prevHash = a.Hash
		prev = a.After
	}
	return nil
}
