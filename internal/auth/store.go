package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/logging"
)

const (
	metadataFile = "metadata.json"
	tokensDir    = "tokens"
)

// ErrNotFound is returned when no credential exists for a key.
var ErrNotFound = errors.New("credential not found")

// labelPattern constrains provider and account labels to filesystem-safe
// names.
var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateLabel checks a provider or account label for filesystem safety.
func ValidateLabel(label string) error {
	if label == "" || len(label) > 128 || !labelPattern.MatchString(label) {
		return fmt.Errorf("invalid label %q: must be alphanumeric with dots, hyphens or underscores", label)
	}
	return nil
}

// Store is the encrypted at-rest credential store: an unencrypted
// metadata.json index beside a tokens/ directory of sealed blobs.
type Store struct {
	dir    string
	key    Secret
	logger *logging.Logger

	mu    sync.RWMutex
	index []IndexEntry
}

// OpenStore opens (or initializes) the store under dir. Index entries whose
// blob is missing are dropped with a warning; blobs not present in the index
// are ignored with a warning and left on disk.
func OpenStore(ctx context.Context, dir string, key Secret, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, tokensDir), 0700); err != nil {
		return nil, fmt.Errorf("create token directory: %w", err)
	}

	s := &Store{dir: dir, key: key, logger: logger}
	if err := s.loadIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if os.IsNotExist(err) {
		return s.reconcile(ctx)
	}
	if err != nil {
		return fmt.Errorf("read credential index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("parse credential index: %w", err)
	}
	return s.reconcile(ctx)
}

// reconcile enforces index/file consistency on load.
func (s *Store) reconcile(ctx context.Context) error {
	kept := s.index[:0]
	indexed := make(map[string]bool, len(s.index))
	for _, entry := range s.index {
		path := filepath.Join(s.dir, entry.File)
		if _, err := os.Stat(path); err != nil {
			s.logger.Warn(ctx, "dropping index entry with missing blob",
				zap.String("provider", entry.Provider), zap.String("account", entry.Account))
			continue
		}
		indexed[entry.File] = true
		kept = append(kept, entry)
	}
	s.index = kept

	entries, err := os.ReadDir(filepath.Join(s.dir, tokensDir))
	if err != nil {
		return fmt.Errorf("scan token directory: %w", err)
	}
	for _, e := range entries {
		rel := filepath.Join(tokensDir, e.Name())
		if !e.IsDir() && !indexed[rel] {
			s.logger.Warn(ctx, "ignoring orphaned credential file", zap.String("file", rel))
		}
	}
	return nil
}

func recordFile(provider, account string) string {
	return filepath.Join(tokensDir, provider+"-"+account+".enc")
}

// Read decrypts and returns the record for (provider, account).
func (s *Store) Read(provider, account string) (*TokenRecord, error) {
	s.mu.RLock()
	entry, ok := s.find(provider, account)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, provider, account)
	}

	blob, err := os.ReadFile(filepath.Join(s.dir, entry.File))
	if err != nil {
		return nil, fmt.Errorf("read credential blob: %w", err)
	}
	plaintext, err := open(s.key, blob)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	var rec TokenRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("parse credential record: %w", err)
	}
	return &rec, nil
}

// Write seals the record and persists blob and index atomically
// (write-to-temp, rename).
func (s *Store) Write(rec *TokenRecord) error {
	if err := ValidateLabel(rec.Provider); err != nil {
		return err
	}
	if err := ValidateLabel(rec.Account); err != nil {
		return err
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal credential record: %w", err)
	}
	blob, err := seal(s.key, plaintext)
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		return err
	}

	rel := recordFile(rec.Provider, rec.Account)
	if err := atomicWrite(filepath.Join(s.dir, rel), blob, 0600); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(IndexEntry{
		Provider:      rec.Provider,
		Account:       rec.Account,
		File:          rel,
		Scopes:        rec.Scopes,
		Expiry:        rec.Expiry,
		LastRefreshed: rec.LastRefreshed,
	})
	return s.saveIndexLocked()
}

// Delete removes the blob and its index entry.
func (s *Store) Delete(provider, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.find(provider, account)
	if !ok {
		return fmt.Errorf("%w: %s:%s", ErrNotFound, provider, account)
	}
	if err := os.Remove(filepath.Join(s.dir, entry.File)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential blob: %w", err)
	}

	kept := s.index[:0]
	for _, e := range s.index {
		if !(e.Provider == provider && e.Account == account) {
			kept = append(kept, e)
		}
	}
	s.index = kept
	return s.saveIndexLocked()
}

// List returns account metadata, optionally filtered by provider, sorted by
// (provider, account).
func (s *Store) List(provider string) []AccountInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AccountInfo, 0, len(s.index))
	for _, e := range s.index {
		if provider != "" && e.Provider != provider {
			continue
		}
		out = append(out, AccountInfo{
			Provider:      e.Provider,
			Account:       e.Account,
			Scopes:        e.Scopes,
			Expiry:        e.Expiry,
			LastRefreshed: e.LastRefreshed,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// Count returns the number of indexed credentials.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *Store) find(provider, account string) (IndexEntry, bool) {
	for _, e := range s.index {
		if e.Provider == provider && e.Account == account {
			return e, true
		}
	}
	return IndexEntry{}, false
}

func (s *Store) upsert(entry IndexEntry) {
	for i, e := range s.index {
		if e.Provider == entry.Provider && e.Account == entry.Account {
			s.index[i] = entry
			return
		}
	}
	s.index = append(s.index, entry)
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential index: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, metadataFile), data, 0600)
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
