// Package checkpoint persists the last successful sync time per account.
//
// The store keeps a single JSON document at <dir>/state.json:
//
//	{"accounts": {"gmail": {"last_run_iso": "2024-05-01T08:00:00Z"}}}
//
// Unknown keys, at the top level or inside an account entry, are kept
// as-is when the file is rewritten. Writes go to a temporary file in the
// same directory which is then renamed over state.json, so readers never
// see a partial document.
//
// The store serializes writers within one process only. Two processes
// sharing a state directory can lose each other's updates.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileName is the name of the checkpoint document inside the state dir.
const FileName = "state.json"

const (
	accountsKey = "accounts"
	lastRunKey  = "last_run_iso"
)

// Store is a file-backed checkpoint store.
type Store struct {
	mu       sync.Mutex
	path     string
	log      *zap.Logger
	extra    map[string]json.RawMessage
	accounts map[string]map[string]json.RawMessage
}

// Open loads the checkpoint file from dir, creating dir if needed. A
// missing file yields an empty store. A malformed file is logged and
// treated as empty; it is replaced on the next Set.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	s := &Store{
		path: filepath.Join(dir, FileName),
		log:  log,
	}
	s.reset()

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading checkpoint file %s: %w", s.path, err)
	}

	if err := s.decode(data); err != nil {
		log.Warn("checkpoint file is corrupt, starting from empty state",
			zap.String("path", s.path), zap.Error(err))
		s.reset()
	}
	return s, nil
}

// Path returns the location of the checkpoint file.
func (s *Store) Path() string {
	return s.path
}

// Get returns the last successful run time for account, in UTC.
func (s *Store) Get(account string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(account)
}

// Accounts returns every account with a readable checkpoint.
func (s *Store) Accounts() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.accounts))
	for key := range s.accounts {
		if ts, ok := s.get(key); ok {
			out[key] = ts
		}
	}
	return out
}

// Set records t as the last successful run for account and persists the
// document immediately. Timestamps are stored in UTC with second
// precision. A t older than the stored value is ignored.
func (s *Store) Set(account string, t time.Time) error {
	t = t.UTC().Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.get(account); ok && t.Before(prev) {
		s.log.Warn("ignoring checkpoint older than the stored one",
			zap.String("account", account),
			zap.Time("stored", prev),
			zap.Time("requested", t))
		return nil
	}

	encoded, err := json.Marshal(t.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("encoding checkpoint for %s: %w", account, err)
	}

	node, ok := s.accounts[account]
	if !ok {
		node = make(map[string]json.RawMessage, 1)
		s.accounts[account] = node
	}
	prevValue, hadValue := node[lastRunKey]
	node[lastRunKey] = encoded

	if err := s.save(); err != nil {
		// Keep memory in line with what is on disk.
		if hadValue {
			node[lastRunKey] = prevValue
		} else {
			delete(node, lastRunKey)
		}
		return err
	}
	return nil
}

func (s *Store) get(account string) (time.Time, bool) {
	node, ok := s.accounts[account]
	if !ok {
		return time.Time{}, false
	}
	raw, ok := node[lastRunKey]
	if !ok {
		return time.Time{}, false
	}

	var iso string
	if err := json.Unmarshal(raw, &iso); err != nil || iso == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		s.log.Warn("unparsable checkpoint timestamp",
			zap.String("account", account), zap.String("value", iso))
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func (s *Store) reset() {
	s.extra = make(map[string]json.RawMessage)
	s.accounts = make(map[string]map[string]json.RawMessage)
}

func (s *Store) decode(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	if top == nil {
		return errors.New("document is not an object")
	}

	accounts := make(map[string]map[string]json.RawMessage)
	if raw, ok := top[accountsKey]; ok {
		if err := json.Unmarshal(raw, &accounts); err != nil {
			return fmt.Errorf("decoding %q: %w", accountsKey, err)
		}
		delete(top, accountsKey)
	}
	if accounts == nil {
		accounts = make(map[string]map[string]json.RawMessage)
	}
	for key, node := range accounts {
		if node == nil {
			accounts[key] = make(map[string]json.RawMessage)
		}
	}

	s.extra = top
	s.accounts = accounts
	return nil
}

func (s *Store) save() error {
	doc := make(map[string]any, len(s.extra)+1)
	for k, v := range s.extra {
		doc[k] = v
	}
	doc[accountsKey] = s.accounts

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint file: %w", err)
	}
	data = append(data, '\n')

	return writeAtomic(s.path, data)
}

// writeAtomic writes data to a temporary file next to path, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing checkpoint file %s: %w", path, err)
	}
	committed = true
	return nil
}
