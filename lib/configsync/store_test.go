// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package configsync

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/clock"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/secret"
)

func testKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key, err := secret.NewFromBytes(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("building key buffer: %v", err)
	}
	return key
}

func testStore(t *testing.T, dir string, fakeClock *clock.Fake) *Store {
	t.Helper()
	store, err := NewStore(StoreOptions{
		Dir:    dir,
		Key:    testKey(t),
		Clock:  fakeClock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	fakeClock := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := testStore(t, t.TempDir(), fakeClock)

	document := []byte(`{"port": 8080}` + "\n")
	id, err := store.Create("vm01", "app", "/etc/app/config.json", document)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	restored, meta, err := store.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(restored, document) {
		t.Errorf("restored = %q, want %q", restored, document)
	}
	if meta.NodeID != "vm01" || meta.ConfigType != "app" || meta.Path != "/etc/app/config.json" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Size != int64(len(document)) {
		t.Errorf("meta.Size = %d, want %d", meta.Size, len(document))
	}

	// The on-disk snapshot must not contain the cleartext document.
	sealed, err := os.ReadFile(store.backupPath(id))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("8080")) {
		t.Error("snapshot holds cleartext document bytes")
	}
}

func TestStoreDetectsTampering(t *testing.T) {
	fakeClock := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := testStore(t, t.TempDir(), fakeClock)

	id, err := store.Create("vm01", "app", "/etc/app/config.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sealed, err := os.ReadFile(store.backupPath(id))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if err := os.WriteFile(store.backupPath(id), sealed, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.Open(id); err == nil {
		t.Error("Open accepted a tampered snapshot")
	}
}

func TestStoreWrongKeySize(t *testing.T) {
	shortKey, err := secret.NewFromBytes([]byte("too short"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(StoreOptions{Dir: t.TempDir(), Key: shortKey}); err == nil {
		t.Error("NewStore accepted a short key")
	}
}

func TestStorePassphraseDerivation(t *testing.T) {
	dir := t.TempDir()
	fakeClock := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	passphrase := func() *secret.Buffer {
		buffer, err := secret.NewFromBytes([]byte("correct horse battery staple"))
		if err != nil {
			t.Fatal(err)
		}
		return buffer
	}

	first, err := NewStore(StoreOptions{Dir: dir, Passphrase: passphrase(), Clock: fakeClock})
	if err != nil {
		t.Fatalf("NewStore with passphrase: %v", err)
	}
	id, err := first.Create("vm01", "app", "/etc/app/config.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first.Close()

	// The salt persists with the store, so a second open with the
	// same passphrase derives the same key.
	second, err := NewStore(StoreOptions{Dir: dir, Passphrase: passphrase(), Clock: fakeClock})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer second.Close()
	if _, _, err := second.Open(id); err != nil {
		t.Errorf("reopened store cannot decrypt existing backup: %v", err)
	}

	wrong, err := secret.NewFromBytes([]byte("wrong passphrase"))
	if err != nil {
		t.Fatal(err)
	}
	third, err := NewStore(StoreOptions{Dir: dir, Passphrase: wrong, Clock: fakeClock})
	if err != nil {
		t.Fatalf("opening with wrong passphrase: %v", err)
	}
	defer third.Close()
	if _, _, err := third.Open(id); err == nil {
		t.Error("wrong passphrase decrypted a backup")
	}
}

func TestStoreListFiltersAndOrders(t *testing.T) {
	fakeClock := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := testStore(t, t.TempDir(), fakeClock)

	older, err := store.Create("vm01", "app", "/etc/app/config.json", []byte(`{"v":1}`))
	if err != nil {
		t.Fatal(err)
	}
	fakeClock.Advance(time.Hour)
	newer, err := store.Create("vm01", "app", "/etc/app/config.json", []byte(`{"v":2}`))
	if err != nil {
		t.Fatal(err)
	}
	fakeClock.Advance(time.Hour)
	if _, err := store.Create("vm02", "nginx", "/etc/nginx/conf.json", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	backups, err := store.List("vm01", "app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("got %d backups, want 2", len(backups))
	}
	if backups[0].ID != newer || backups[1].ID != older {
		t.Errorf("order = %s, %s, want newest first", backups[0].ID, backups[1].ID)
	}
}

func TestStorePurgesExpiredOnCreate(t *testing.T) {
	fakeClock := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := testStore(t, t.TempDir(), fakeClock)

	expired, err := store.Create("vm01", "app", "/etc/app/config.json", []byte(`{"v":1}`))
	if err != nil {
		t.Fatal(err)
	}

	// Step past the minimum retention window; the next create purges.
	fakeClock.Advance(fleet.MinimumRetention + time.Hour)
	kept, err := store.Create("vm01", "app", "/etc/app/config.json", []byte(`{"v":2}`))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.Open(expired); err == nil {
		t.Error("expired backup still restorable after purge")
	}
	if _, err := os.Stat(store.backupPath(expired)); !os.IsNotExist(err) {
		t.Error("expired snapshot file still on disk")
	}
	if _, _, err := store.Open(kept); err != nil {
		t.Errorf("fresh backup lost during purge: %v", err)
	}
}
