// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package configsync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fleetforge-io/fleetforge/lib/clock"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/secret"
)

// Argon2id parameters for passphrase-derived keys. Tuned for an
// interactive operator prompt, not bulk throughput.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 4
)

const (
	backupSuffix   = ".bak"
	metadataSuffix = ".meta.json"
	saltFileName   = ".salt"
)

// BackupMeta is the cleartext sidecar stored next to every encrypted
// snapshot. Nothing in here is secret: it exists so an operator can
// find the right backup without decrypting anything.
type BackupMeta struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"node_id"`
	ConfigType  string    `json:"config_type"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// StoreOptions configures NewStore. Exactly one of Key (32 bytes) or
// Passphrase must be provided; the store takes ownership of the
// buffer and zeroes it when closed.
type StoreOptions struct {
	Dir        string
	Key        *secret.Buffer
	Passphrase *secret.Buffer
	Retention  time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Store holds encrypted config snapshots on local disk. Each snapshot
// is one ChaCha20-Poly1305 sealed file (random 96-bit nonce prepended
// to the ciphertext) plus a cleartext metadata sidecar. Snapshots
// older than the retention window are purged opportunistically when a
// new one is created.
type Store struct {
	dir       string
	key       *secret.Buffer
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStore opens (creating if needed) a backup store rooted at
// opts.Dir. A passphrase is stretched with Argon2id using a per-store
// salt persisted alongside the snapshots.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("configsync: backup directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	key := opts.Key
	switch {
	case key != nil && opts.Passphrase != nil:
		return nil, fmt.Errorf("configsync: provide a key or a passphrase, not both")
	case key != nil:
		if key.Len() != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("configsync: backup key must be %d bytes, got %d",
				chacha20poly1305.KeySize, key.Len())
		}
	case opts.Passphrase != nil:
		derived, err := deriveKey(opts.Dir, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		key = derived
	default:
		return nil, fmt.Errorf("configsync: a backup key or passphrase is required")
	}

	retention := opts.Retention
	if retention < fleet.MinimumRetention {
		retention = fleet.MinimumRetention
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       opts.Dir,
		key:       key,
		retention: retention,
		clock:     clk,
		logger:    logger,
	}, nil
}

// Close zeroes and unmaps the store's key material.
func (s *Store) Close() error {
	return s.key.Close()
}

// deriveKey stretches a passphrase into a 32-byte key with Argon2id.
// The salt lives in the store directory so the same passphrase opens
// the same store across processes; it is random, not secret.
func deriveKey(dir string, passphrase *secret.Buffer) (*secret.Buffer, error) {
	defer passphrase.Close()

	saltPath := filepath.Join(dir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating key salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("persisting key salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading key salt: %w", err)
	}

	derived := argon2.IDKey(passphrase.Bytes(), salt,
		argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	return secret.NewFromBytes(derived)
}

// Create encrypts contents and stores it as a new snapshot, returning
// the backup id. Expired snapshots are purged first.
func (s *Store) Create(nodeID, configType, remotePath string, contents []byte) (string, error) {
	s.purgeExpired()

	now := s.clock.Now()
	id := fmt.Sprintf("%s-%s-%d", nodeID, configType, now.UnixNano())
	// Injected clocks can stand still; keep ids unique regardless.
	for n := 1; ; n++ {
		if _, err := os.Stat(s.backupPath(id)); os.IsNotExist(err) {
			break
		}
		id = fmt.Sprintf("%s-%s-%d-%d", nodeID, configType, now.UnixNano(), n)
	}

	aead, err := chacha20poly1305.New(s.key.Bytes())
	if err != nil {
		return "", fmt.Errorf("initializing backup cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating backup nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, contents, nil)

	if err := os.WriteFile(s.backupPath(id), sealed, 0o600); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", id, err)
	}

	contentHash := blake3.Sum256(contents)
	meta := BackupMeta{
		ID:          id,
		NodeID:      nodeID,
		ConfigType:  configType,
		Path:        remotePath,
		Size:        int64(len(contents)),
		ContentHash: hex.EncodeToString(contentHash[:]),
		CreatedAt:   now,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup metadata: %w", err)
	}
	if err := os.WriteFile(s.metadataPath(id), append(encoded, '\n'), 0o600); err != nil {
		os.Remove(s.backupPath(id))
		return "", fmt.Errorf("writing backup metadata: %w", err)
	}
	return id, nil
}

// Open decrypts a snapshot and verifies its content hash against the
// metadata sidecar.
func (s *Store) Open(id string) ([]byte, BackupMeta, error) {
	meta, err := s.readMetadata(id)
	if err != nil {
		return nil, BackupMeta{}, err
	}

	sealed, err := os.ReadFile(s.backupPath(id))
	if err != nil {
		return nil, BackupMeta{}, fmt.Errorf("reading backup %s: %w", id, err)
	}

	aead, err := chacha20poly1305.New(s.key.Bytes())
	if err != nil {
		return nil, BackupMeta{}, fmt.Errorf("initializing backup cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, BackupMeta{}, fmt.Errorf("backup %s is truncated", id)
	}
	contents, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, BackupMeta{}, fmt.Errorf("decrypting backup %s: %w", id, err)
	}

	contentHash := blake3.Sum256(contents)
	if hex.EncodeToString(contentHash[:]) != meta.ContentHash {
		return nil, BackupMeta{}, fmt.Errorf("backup %s content hash mismatch", id)
	}
	return contents, meta, nil
}

// List returns metadata for every snapshot matching the node and
// config type (empty strings match everything), newest first.
func (s *Store) List(nodeID, configType string) ([]BackupMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing backup directory: %w", err)
	}

	var backups []BackupMeta
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), metadataSuffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), metadataSuffix)
		meta, err := s.readMetadata(id)
		if err != nil {
			s.logger.Warn("unreadable backup metadata", "id", id, "error", err)
			continue
		}
		if nodeID != "" && meta.NodeID != nodeID {
			continue
		}
		if configType != "" && meta.ConfigType != configType {
			continue
		}
		backups = append(backups, meta)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// purgeExpired removes snapshots past the retention window. Failures
// are logged only: an undeletable old backup must not block a new one.
func (s *Store) purgeExpired() {
	cutoff := s.clock.Now().Add(-s.retention)
	backups, err := s.List("", "")
	if err != nil {
		s.logger.Warn("backup purge skipped", "error", err)
		return
	}
	for _, meta := range backups {
		if !meta.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.backupPath(meta.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("purging expired backup failed", "id", meta.ID, "error", err)
			continue
		}
		if err := os.Remove(s.metadataPath(meta.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("purging backup metadata failed", "id", meta.ID, "error", err)
		}
		s.logger.Info("expired backup purged", "id", meta.ID, "created_at", meta.CreatedAt)
	}
}

func (s *Store) readMetadata(id string) (BackupMeta, error) {
	encoded, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return BackupMeta{}, fmt.Errorf("reading metadata for backup %s: %w", id, err)
	}
	var meta BackupMeta
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return BackupMeta{}, fmt.Errorf("decoding metadata for backup %s: %w", id, err)
	}
	return meta, nil
}

func (s *Store) backupPath(id string) string {
	return filepath.Join(s.dir, id+backupSuffix)
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.dir, id+metadataSuffix)
}
