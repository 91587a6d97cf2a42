package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one persisted collection for an (issue, property) pair. FetchedAt
// is compared against the issue's own updated_at to decide validity.
type Entry struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists entries as JSON files under a root directory, one file per
// (repo, issue number, property). Corrupt or unreadable entries read as
// absent, never as errors.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// path returns <root>/<owner>__<name>/issues/<number>/<property>.json.
// The owner/name separator is flattened so the repo segment is a single
// directory.
func (s *Store) path(repo string, number int, property string) string {
	repoDir := strings.ReplaceAll(repo, "/", "__")
	return filepath.Join(s.root, repoDir, "issues", fmt.Sprintf("%d", number), property+".json")
}

// Get loads the entry for (repo, number, property). ok is false when the
// entry is missing, unreadable, corrupt, or has an empty payload.
func (s *Store) Get(repo string, number int, property string) (Entry, bool) {
	p := s.path(repo, number, property)

	data, err := os.ReadFile(p)
	if err != nil {
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("corrupt cache entry, treating as absent", "path", p, "error", err)
		return Entry{}, false
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" || string(e.Payload) == "[]" {
		// An empty collection could be a transient empty response; refetch.
		return Entry{}, false
	}
	return e, true
}

// Put persists the entry, overwriting any prior one. The write goes through
// a temp file so a crash never leaves a half-written entry behind.
func (s *Store) Put(repo string, number int, property string, e Entry) error {
	p := s.path(repo, number, property)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+property+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming cache file: %w", err)
	}
	return nil
}
