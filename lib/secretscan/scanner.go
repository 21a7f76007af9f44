// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretscan detects credential-like content in a source tree
// before it is propagated to fleet nodes. The repository sync engine
// runs a Scanner as a gate: any finding blocks the push unless the
// operator explicitly disables blocking.
//
// Findings carry a masked excerpt, never the raw matched secret — the
// scan report itself must be safe to log and audit.
package secretscan

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Finding is one detected secret-like match.
type Finding struct {
	// Path is the file path relative to the scanned root.
	Path string

	// Line is the 1-based line number of the match.
	Line int

	// Rule names the pattern that matched.
	Rule string

	// Excerpt is a masked fragment around the match. The matched
	// value is truncated to its first characters; the rest is
	// elided.
	Excerpt string
}

// Scanner is the pluggable secret-scanning gate. Implementations
// return every finding in the tree under root; an empty slice means
// the tree is clean.
type Scanner interface {
	Scan(root string) ([]Finding, error)
}

// pattern pairs a detection regex with false-positive hints: if a
// hint matches the surrounding line, the finding is suppressed.
type pattern struct {
	rule  string
	expr  *regexp.Regexp
	hints []*regexp.Regexp
}

// RegexScanner scans files line by line against a built-in pattern
// set. Directories in SkipDirs and files above MaxFileSize or
// containing NUL bytes (binaries) are skipped.
type RegexScanner struct {
	// SkipDirs are directory names excluded from the walk. Defaults
	// cover VCS metadata and dependency caches.
	SkipDirs []string

	// MaxFileSize bounds how large a file is scanned. Default 1 MiB.
	MaxFileSize int64

	patterns []pattern
}

// NewRegexScanner returns a scanner with the built-in pattern set and
// default skip list.
func NewRegexScanner() *RegexScanner {
	return &RegexScanner{
		SkipDirs:    []string{".git", ".hg", "node_modules", "__pycache__", ".venv", "vendor", ".idea", ".vscode"},
		MaxFileSize: 1 << 20,
		patterns:    builtinPatterns(),
	}
}

// Scan walks the tree under root and reports every secret-like match.
func (s *RegexScanner) Scan(root string) ([]Finding, error) {
	var findings []Finding

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			if s.skipDir(entry.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > s.MaxFileSize {
			return nil
		}

		relative, err := filepath.Rel(root, path)
		if err != nil {
			relative = path
		}
		fileFindings, err := s.scanFile(path, relative)
		if err != nil {
			return err
		}
		findings = append(findings, fileFindings...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return findings, nil
}

func (s *RegexScanner) skipDir(name string) bool {
	for _, skip := range s.SkipDirs {
		if name == skip {
			return true
		}
	}
	return false
}

func (s *RegexScanner) scanFile(path, relative string) ([]Finding, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	// Binary files are not pushed as code and produce noise.
	if bytes.IndexByte(contents, 0) >= 0 {
		return nil, nil
	}

	var findings []Finding
	for lineNumber, line := range strings.Split(string(contents), "\n") {
		for _, candidate := range s.patterns {
			match := candidate.expr.FindString(line)
			if match == "" {
				continue
			}
			if suppressed(line, candidate.hints) {
				continue
			}
			findings = append(findings, Finding{
				Path:    relative,
				Line:    lineNumber + 1,
				Rule:    candidate.rule,
				Excerpt: mask(match),
			})
		}
	}
	return findings, nil
}

func suppressed(line string, hints []*regexp.Regexp) bool {
	for _, hint := range hints {
		if hint.MatchString(line) {
			return true
		}
	}
	return false
}

// mask keeps only the leading characters of a match. Enough to locate
// the secret, never enough to use it.
func mask(match string) string {
	const visible = 8
	if len(match) <= visible {
		return match
	}
	return match[:visible] + "..." + fmt.Sprintf("(%d chars)", len(match))
}
