package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "callbell/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.users.json (full rewrite on every upsert)
//   - <prefix>.calls.jsonl (append-only JSON Lines)
//
// Unlike sqlite, this backend cannot serialize overlapping ticks at the
// storage layer; the in-memory dedup cache bounds the residual
// duplicate-call window (documented in DESIGN.md).
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	usersPath string
	users     map[string]User

	callsFile *os.File
	// calledKeys caches user_id|event_id pairs with called=true so
	// HasCalledLog does not rescan the jsonl on every tick.
	calledKeys map[string]bool
	recent     []CallLogEntry
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

	usersPath := prefix + ".users.json"
	callsPath := prefix + ".calls.jsonl"

	users := map[string]User{}
	if err := loadUsersFile(usersPath, users); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	calledKeys := map[string]bool{}
	var recent []CallLogEntry
	if err := replayCallLog(callsPath, calledKeys, &recent); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cf, err := os.OpenFile(callsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:        log,
		usersPath:  usersPath,
		users:      users,
		callsFile:  cf,
		calledKeys: calledKeys,
		recent:     recent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callsFile != nil {
		err := s.callsFile.Close()
		s.callsFile = nil
		return err
	}
	return nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callsFile == nil {
		return ErrClosed
	}
	return nil
}

func (s *fileStore) ListEligibleUsers(ctx context.Context) ([]User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.Eligible() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) UpsertUser(ctx context.Context, u User) error {
	_ = ctx
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = map[string]User{}
	}
	s.users[u.ID] = u
	return s.writeUsersLocked()
}

func (s *fileStore) GetUser(ctx context.Context, id string) (User, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *fileStore) HasCalledLog(ctx context.Context, userID, eventID string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calledKeys[callKey(userID, eventID)], nil
}

func (s *fileStore) AppendCallLog(ctx context.Context, e CallLogEntry) error {
	_ = ctx
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.callsFile).Encode(e); err != nil {
		return err
	}
	if e.Called {
		s.calledKeys[callKey(e.UserID, e.EventID)] = true
	}
	s.recent = append(s.recent, e)
	if len(s.recent) > 500 {
		s.recent = s.recent[len(s.recent)-500:]
	}
	return nil
}

func (s *fileStore) RecentCallLogs(ctx context.Context, limit int) ([]CallLogEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]CallLogEntry, 0, limit)
	// Newest first, matching the sqlite backend.
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// UserCallLogs filters by user before applying the limit, so sparse
// users are not crowded out by busier ones. Bounded by the recent ring.
func (s *fileStore) UserCallLogs(ctx context.Context, userID string, limit int) ([]CallLogEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallLogEntry
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if s.recent[i].UserID == userID {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func (s *fileStore) writeUsersLocked() error {
	tmp := s.usersPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.users); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.usersPath)
}

func loadUsersFile(path string, out map[string]User) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]User
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayCallLog(path string, called map[string]bool, recent *[]CallLogEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e CallLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Called {
			called[callKey(e.UserID, e.EventID)] = true
		}
		*recent = append(*recent, e)
		if len(*recent) > 500 {
			*recent = (*recent)[len(*recent)-500:]
		}
	}
	return sc.Err()
}

func callKey(userID, eventID string) string { return userID + "|" + eventID }
