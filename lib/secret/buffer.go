// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as backup encryption keys and operator passphrases.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory is
// outside the Go heap, the garbage collector never copies or relocates
// it, so zeroing on Close is effective.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive data in memory that is locked against
// swapping, excluded from core dumps, and zeroed on close. A Buffer
// must not be copied after creation. After Close, accessing the
// contents panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// New allocates a secret buffer of the given size. The caller must
// call Close when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}

	// Best effort: not all kernels support MADV_DONTDUMP.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	return &Buffer{data: data, length: size}, nil
}

// NewFromBytes allocates a secret buffer holding a copy of source, then
// zeros source. Use this to move key material off the Go heap as soon
// as it is produced.
func NewFromBytes(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	for index := range source {
		source[index] = 0
	}
	return buffer, nil
}

// Bytes returns the buffer contents. The returned slice aliases the
// locked memory; callers must not retain it past Close. Panics if the
// buffer is closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: Bytes called on closed buffer")
	}
	return b.data[:b.length]
}

// String returns the buffer contents as a string. The string is a heap
// copy; prefer Bytes where possible. Panics if the buffer is closed.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the buffer length. Panics if the buffer is closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: Len called on closed buffer")
	}
	return b.length
}

// Close zeros, unlocks, and unmaps the buffer memory. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for index := range b.data {
		b.data[index] = 0
	}
	if err := unix.Munlock(b.data); err != nil {
		unix.Munmap(b.data)
		b.data = nil
		return fmt.Errorf("secret: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil {
		b.data = nil
		return fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return nil
}
