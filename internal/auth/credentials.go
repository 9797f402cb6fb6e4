package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// credentialProvider is the index namespace for labeled generic secrets.
const credentialProvider = "credential"

// CredentialData is a labeled bag of non-OAuth secret fields.
type CredentialData struct {
	Label     string            `json:"label"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CredentialStore saves or replaces a labeled secret using the same
// encryption scheme and index as OAuth tokens.
func (b *Broker) CredentialStore(label string, fields map[string]string) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("credential %q has no fields", label)
	}

	now := time.Now().UTC()
	data := CredentialData{Label: label, Fields: fields, CreatedAt: now, UpdatedAt: now}
	if existing, err := b.CredentialGet(label); err == nil {
		data.CreatedAt = existing.CreatedAt
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	defer wipe(payload)
	return b.store.writeRaw(credentialProvider, label, payload)
}

// CredentialGet decrypts one labeled secret.
func (b *Broker) CredentialGet(label string) (*CredentialData, error) {
	payload, err := b.store.readRaw(credentialProvider, label)
	if err != nil {
		return nil, b.wrapStoreErr(err)
	}
	defer wipe(payload)

	var data CredentialData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return &data, nil
}

// CredentialList returns the stored labels, sorted.
func (b *Broker) CredentialList() []string {
	infos := b.store.List(credentialProvider)
	labels := make([]string, 0, len(infos))
	for _, info := range infos {
		labels = append(labels, info.Account)
	}
	sort.Strings(labels)
	return labels
}

// CredentialDelete removes a labeled secret.
func (b *Broker) CredentialDelete(label string) error {
	return b.wrapStoreErr(b.store.Delete(credentialProvider, label))
}

// CredentialRename moves a secret to a new label as get + store-under-new +
// delete-old. A crash between store and delete leaves both labels; renaming
// the old label to the new one again heals the duplicate.
func (b *Broker) CredentialRename(oldLabel, newLabel string) error {
	if err := ValidateLabel(newLabel); err != nil {
		return err
	}
	data, err := b.CredentialGet(oldLabel)
	if err != nil {
		return err
	}
	if err := b.CredentialStore(newLabel, data.Fields); err != nil {
		return err
	}
	return b.CredentialDelete(oldLabel)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// writeRaw seals an arbitrary payload under (provider, account).
func (s *Store) writeRaw(provider, account string, payload []byte) error {
	if err := ValidateLabel(provider); err != nil {
		return err
	}
	if err := ValidateLabel(account); err != nil {
		return err
	}

	blob, err := seal(s.key, payload)
	if err != nil {
		return err
	}

	rel := recordFile(provider, account)
	if err := atomicWrite(filepath.Join(s.dir, rel), blob, 0600); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(IndexEntry{Provider: provider, Account: account, File: rel, LastRefreshed: time.Now().UTC()})
	return s.saveIndexLocked()
}

// readRaw decrypts the payload stored under (provider, account).
func (s *Store) readRaw(provider, account string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.find(provider, account)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, provider, account)
	}

	blob, err := os.ReadFile(filepath.Join(s.dir, entry.File))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, provider, account)
		}
		return nil, fmt.Errorf("read credential blob: %w", err)
	}
	return open(s.key, blob)
}
