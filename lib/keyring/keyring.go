// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring resolves the private key material used to
// authenticate to a fleet node. Resolution is deterministic and
// convention-based: one key file per node in a single directory, named
// "<algorithm>_<nodeID>", with a fixed algorithm preference order.
// There is no interactive fallback — a missing or unreadable key is an
// error, never a password prompt.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// DefaultDirName is the directory searched under ~/.ssh when no key
// directory is configured.
const DefaultDirName = "fleetforge_keys"

// algorithmPreference is the fixed lookup order when a node has keys
// of several types. Modern algorithms first.
var algorithmPreference = []string{"ed25519", "ecdsa", "rsa"}

// ErrKeyNotFound reports that no key file matching the naming
// convention exists for a node. Matched with errors.Is.
var ErrKeyNotFound = errors.New("keyring: no key file found")

// KeyFor resolves the private key for nodeID and returns it as an SSH
// signer. keyDir overrides the default ~/.ssh/fleetforge_keys; pass ""
// for the default. Candidate files are tried in the fixed algorithm
// preference order (ed25519, ecdsa, rsa); the first existing file
// wins. A key file protected by a passphrase is a configuration error,
// not a prompt.
func KeyFor(nodeID, keyDir string) (ssh.Signer, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("keyring: node id is required")
	}
	directory, err := resolveDir(keyDir)
	if err != nil {
		return nil, err
	}

	for _, algorithm := range algorithmPreference {
		path := filepath.Join(directory, algorithm+"_"+nodeID)
		material, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("keyring: reading %s: %w", path, err)
		}

		signer, err := ssh.ParsePrivateKey(material)
		if err != nil {
			var passphraseErr *ssh.PassphraseMissingError
			if errors.As(err, &passphraseErr) {
				return nil, fmt.Errorf("keyring: key %s is passphrase-protected; fleet keys must be unencrypted", path)
			}
			return nil, fmt.Errorf("keyring: parsing %s: %w", path, err)
		}
		return signer, nil
	}

	return nil, fmt.Errorf("%w for node %q in %s (looked for %s)",
		ErrKeyNotFound, nodeID, directory, candidateNames(nodeID))
}

// resolveDir expands the configured key directory, defaulting to
// ~/.ssh/fleetforge_keys.
func resolveDir(keyDir string) (string, error) {
	if keyDir != "" {
		return keyDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("keyring: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", DefaultDirName), nil
}

func candidateNames(nodeID string) string {
	names := ""
	for index, algorithm := range algorithmPreference {
		if index > 0 {
			names += ", "
		}
		names += algorithm + "_" + nodeID
	}
	return names
}
