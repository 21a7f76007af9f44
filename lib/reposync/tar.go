// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package reposync

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// defaultExcludes keeps version-control metadata, dependency caches,
// and editor artifacts out of the push stream. Configured patterns
// are added on top, never replacing these.
var defaultExcludes = []string{
	".git",
	".hg",
	".svn",
	"node_modules",
	"__pycache__",
	".venv",
	".idea",
	".vscode",
	"*.swp",
	"*.swo",
	"*~",
	".DS_Store",
}

// writeTar streams the tree rooted at root as a tar archive. Entries
// use slash-separated paths relative to root. Excluded directories
// are pruned whole; excluded files are skipped. Symbolic links are
// archived as links, never followed.
func writeTar(out io.Writer, root string, exclude []string) error {
	patterns := append(append([]string{}, defaultExcludes...), exclude...)

	archive := tar.NewWriter(out)
	err := filepath.WalkDir(root, func(currentPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relative, err := filepath.Rel(root, currentPath)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		if relative == "." {
			return nil
		}

		if excluded(relative, patterns) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		linkTarget := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(currentPath); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices and pipes have no business in a
			// source tree push.
			return nil
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return fmt.Errorf("building tar header for %s: %w", relative, err)
		}
		header.Name = relative
		if info.IsDir() {
			header.Name += "/"
		}

		if err := archive.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", relative, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(currentPath)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := io.Copy(archive, file); err != nil {
			return fmt.Errorf("archiving %s: %w", relative, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return archive.Close()
}

// excluded reports whether a slash-separated relative path matches
// any pattern. Patterns match against the entry's base name and
// against every path segment, so ".git" prunes the directory anywhere
// in the tree and "*.swp" catches editor droppings at any depth.
func excluded(relative string, patterns []string) bool {
	base := path.Base(relative)
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
		if strings.ContainsRune(pattern, '/') {
			if matched, _ := path.Match(pattern, relative); matched {
				return true
			}
		}
	}
	return false
}
