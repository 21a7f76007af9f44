// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package sshconn

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// transferChunkSize bounds the buffer used for file copies. Transfers
// of multi-hundred-MB payloads stay at constant memory.
const transferChunkSize = 128 * 1024

// Upload copies a local file to the remote path over SFTP, creating
// parent directories as needed and carrying over the local file mode.
func (c *Connection) Upload(localPath, remotePath string) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("%w: opening sftp: %v", ErrConnect, err)
	}
	defer client.Close()

	source, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file %s: %w", localPath, err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("stating local file %s: %w", localPath, err)
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("%w: creating remote directory %s: %v", ErrConnect, path.Dir(remotePath), err)
	}

	destination, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: creating remote file %s: %v", ErrConnect, remotePath, err)
	}

	buffer := make([]byte, transferChunkSize)
	if _, err := io.CopyBuffer(destination, source, buffer); err != nil {
		destination.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrConnect, remotePath, err)
	}
	if err := destination.Close(); err != nil {
		return fmt.Errorf("%w: finalizing %s: %v", ErrConnect, remotePath, err)
	}

	if err := client.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("%w: setting mode on %s: %v", ErrConnect, remotePath, err)
	}
	return nil
}

// Download copies a remote file to the local path over SFTP. The local
// file is created with mode 0600 and tightened or loosened by callers
// as needed — transferred content is treated as sensitive by default.
func (c *Connection) Download(remotePath, localPath string) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("%w: opening sftp: %v", ErrConnect, err)
	}
	defer client.Close()

	source, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%w: opening remote file %s: %v", ErrConnect, remotePath, err)
	}
	defer source.Close()

	destination, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating local file %s: %w", localPath, err)
	}

	buffer := make([]byte, transferChunkSize)
	if _, err := io.CopyBuffer(destination, source, buffer); err != nil {
		destination.Close()
		os.Remove(localPath)
		return fmt.Errorf("%w: reading %s: %v", ErrConnect, remotePath, err)
	}
	if err := destination.Close(); err != nil {
		os.Remove(localPath)
		return fmt.Errorf("finalizing local file %s: %w", localPath, err)
	}
	return nil
}
