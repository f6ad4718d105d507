package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileLog implements Log as one JSON-lines file per stream under a directory.
type FileLog struct {
	dir   string
	mu    sync.Mutex
	heads map[string]uint64
	clock func() time.Time
}

func NewFileLog(dir string) (*FileLog, error) {
	return NewFileLogWithClock(dir, time.Now)
}

func NewFileLogWithClock(dir string, clock func() time.Time) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileLog{
		dir:   dir,
		heads: make(map[string]uint64),
		clock: clock,
	}, nil
}

func (f *FileLog) path(stream string) string {
	return filepath.Join(f.dir, url.PathEscape(stream)+".jsonl")
}

func (f *FileLog) load(stream string) ([]Record, error) {
	file, err := os.Open(f.path(stream))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var out []Record
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", stream, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func (f *FileLog) Append(ctx context.Context, rec Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	head, known := f.heads[rec.Stream]
	if !known || rec.Seq != 0 {
		existing, err := f.load(rec.Stream)
		if err != nil {
			return 0, err
		}
		head = 0
		for _, r := range existing {
			if rec.Seq != 0 && r.Seq == rec.Seq {
				return 0, fmt.Errorf("%w: %s#%d", ErrDuplicate, rec.Stream, rec.Seq)
			}
			head = max(head, r.Seq)
		}
	}
	if rec.Seq == 0 {
		rec.Seq = head + 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = f.clock().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	file, err := os.OpenFile(f.path(rec.Stream), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return 0, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	f.heads[rec.Stream] = max(head, rec.Seq)
	return rec.Seq, nil
}

func (f *FileLog) Read(ctx context.Context, stream string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.load(stream)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	if recs == nil {
		recs = make([]Record, 0)
	}
	return recs, nil
}

func (f *FileLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".jsonl")
		if !ok || e.IsDir() {
			continue
		}
		stream, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(stream, prefix) {
			out = append(out, stream)
		}
	}
	sort.Strings(out)
	return out, nil
}
