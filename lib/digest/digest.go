// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes and parses the SHA-256 content digests used
// for transfer integrity verification. The local side hashes files by
// streaming; the remote side reports digests through the sha256sum
// utility, whose two-field output this package parses.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// HashFile computes the SHA-256 digest of the file at path. The file
// is streamed through the hash function (via io.Copy) so memory usage
// stays constant regardless of file size.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashBytes computes the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseSumOutput extracts the digest from sha256sum output
// ("<hex>  <path>", possibly followed by a newline). Returns an error
// if the first field is not a valid 64-character hex digest.
func ParseSumOutput(output string) (string, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty sha256sum output")
	}
	return Validate(fields[0])
}

// Validate checks that value is a well-formed hex SHA-256 digest and
// returns it lowercased.
func Validate(value string) (string, error) {
	normalized := strings.ToLower(value)
	decoded, err := hex.DecodeString(normalized)
	if err != nil {
		return "", fmt.Errorf("parsing digest %q: %w", value, err)
	}
	if len(decoded) != sha256.Size {
		return "", fmt.Errorf("digest is %d bytes, want %d", len(decoded), sha256.Size)
	}
	return normalized, nil
}
