// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// rotatingLogWriter is an io.Writer that rotates its underlying file
// once it grows past maxSizeBytes, keeping up to maxBackups rotated
// generations compressed with lz4 (the same dependency
// lib/artifactstore/compress.go carries for container chunks, used
// here through its streaming Writer rather than the block API since a
// log file's final size isn't known up front).
type rotatingLogWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int

	file    *os.File
	written int64
}

func newRotatingLogWriter(path string, maxSizeMB, maxBackups int) (*rotatingLogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &rotatingLogWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingLogWriter) openCurrent() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", w.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat %s: %w", w.path, err)
	}
	w.file = file
	w.written = info.Size()
	return nil
}

func (w *rotatingLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.written+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// rotate closes the current file, compresses it into a numbered
// .lz4 backup, and opens a fresh file at path. Backups beyond
// maxBackups are deleted oldest-first.
func (w *rotatingLogWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing %s before rotation: %w", w.path, err)
	}

	if err := w.shiftBackups(); err != nil {
		return err
	}
	if err := w.compressToBackup(1); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s after rotation: %w", w.path, err)
	}

	return w.openCurrent()
}

func (w *rotatingLogWriter) backupPath(generation int) string {
	return fmt.Sprintf("%s.%d.lz4", w.path, generation)
}

// shiftBackups renames backup.N.lz4 to backup.(N+1).lz4 from oldest
// to newest, dropping anything that would exceed maxBackups.
func (w *rotatingLogWriter) shiftBackups() error {
	if w.maxBackups <= 0 {
		return nil
	}
	if err := os.Remove(w.backupPath(w.maxBackups)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pruning oldest backup: %w", err)
	}
	for gen := w.maxBackups - 1; gen >= 1; gen-- {
		oldPath := w.backupPath(gen)
		newPath := w.backupPath(gen + 1)
		if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shifting %s to %s: %w", oldPath, newPath, err)
		}
	}
	return nil
}

func (w *rotatingLogWriter) compressToBackup(generation int) error {
	source, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("opening %s for compression: %w", w.path, err)
	}
	defer source.Close()

	dest, err := os.Create(w.backupPath(generation))
	if err != nil {
		return fmt.Errorf("creating %s: %w", w.backupPath(generation), err)
	}
	defer dest.Close()

	lzw := lz4.NewWriter(dest)
	if _, err := io.Copy(lzw, source); err != nil {
		return fmt.Errorf("compressing %s: %w", w.path, err)
	}
	return lzw.Close()
}

func (w *rotatingLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
