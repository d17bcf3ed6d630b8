package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"signupbot/internal/signup"
	logx "signupbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.patterns.json   (snapshot, rewritten on every change)
//   - <prefix>.attempts.jsonl  (append-only JSON Lines)
//
// Pruning rewrites the attempts journal.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	patternsPath string
	patterns     map[string]signup.TrackedPattern

	attemptsPath string
	attemptsFile *os.File
	attempts     []signup.AttemptRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		patternsPath: prefix + ".patterns.json",
		patterns:     map[string]signup.TrackedPattern{},
		attemptsPath: prefix + ".attempts.jsonl",
	}
	if err := loadPatterns(s.patternsPath, s.patterns); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	recs, skipped, err := replayAttempts(s.attemptsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay attempts: %w", err)
	}
	if skipped > 0 {
		log.Warn("attempt journal has unreadable lines", logx.Int("skipped", skipped))
	}
	s.attempts = recs

	f, err := os.OpenFile(s.attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.attemptsFile = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return nil
	}
	err := s.attemptsFile.Close()
	s.attemptsFile = nil
	return err
}

func (s *fileStore) ListPatterns(ctx context.Context) ([]signup.TrackedPattern, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signup.TrackedPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) GetPattern(ctx context.Context, id string) (signup.TrackedPattern, error) {
	if err := ctxErr(ctx); err != nil {
		return signup.TrackedPattern{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return p, fmt.Errorf("%w: %s", signup.ErrPatternNotFound, id)
	}
	return p, nil
}

func (s *fileStore) SavePattern(ctx context.Context, p signup.TrackedPattern) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.patterns[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	prev, had := s.patterns[p.ID]
	s.patterns[p.ID] = p
	if err := s.writePatternsLocked(); err != nil {
		if had {
			s.patterns[p.ID] = prev
		} else {
			delete(s.patterns, p.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeletePattern(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("%w: %s", signup.ErrPatternNotFound, id)
	}
	delete(s.patterns, id)
	if err := s.writePatternsLocked(); err != nil {
		s.patterns[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) writePatternsLocked() error {
	list := make([]signup.TrackedPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return writeAtomic(s.patternsPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	})
}

func (s *fileStore) AppendAttempt(ctx context.Context, r signup.AttemptRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return closedErr("attempts journal")
	}
	if err := json.NewEncoder(s.attemptsFile).Encode(r); err != nil {
		return err
	}
	s.attempts = append(s.attempts, r)
	return nil
}

func (s *fileStore) ListAttempts(ctx context.Context, occurrenceID string) ([]signup.AttemptRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signup.AttemptRecord
	for _, r := range s.attempts {
		if r.OccurrenceID == occurrenceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fileStore) ListAttemptsByPattern(ctx context.Context, patternID string, limit int) ([]signup.AttemptRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signup.AttemptRecord
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].PatternID != patternID {
			continue
		}
		out = append(out, s.attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) PruneAttempts(ctx context.Context, result signup.AttemptResult, before time.Time) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return 0, closedErr("attempts journal")
	}
	kept := make([]signup.AttemptRecord, 0, len(s.attempts))
	for _, r := range s.attempts {
		if r.Result == result && r.At.Before(before) {
			continue
		}
		kept = append(kept, r)
	}
	removed := int64(len(s.attempts) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	err := writeAtomic(s.attemptsPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		for _, r := range kept {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	// The old handle points at the replaced inode.
	_ = s.attemptsFile.Close()
	f, err := os.OpenFile(s.attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.attemptsFile = nil
		return 0, err
	}
	s.attemptsFile = f
	s.attempts = kept
	return removed, nil
}

func writeAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadPatterns(path string, out map[string]signup.TrackedPattern) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []signup.TrackedPattern
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, p := range list {
		out[p.ID] = p
	}
	return nil
}

func replayAttempts(path string) ([]signup.AttemptRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	var (
		out     []signup.AttemptRecord
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r signup.AttemptRecord
		if err := json.Unmarshal(line, &r); err != nil || r.OccurrenceID == "" {
			skipped++
			continue
		}
		out = append(out, r)
	}
	return out, skipped, sc.Err()
}
