// Package fsjson reads and writes the tracker's versioned JSON state files.
// Every durable file starts with {"version": N, ...}; a version the code
// does not expect is fatal, never silently migrated.
package fsjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrVersionMismatch marks a state file written by an incompatible build.
var ErrVersionMismatch = errors.New("state file version mismatch")

// WriteAtomic marshals v with indentation and writes it via temp file,
// fsync, rename so a crash never leaves a torn or empty file behind.
func WriteAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Read unmarshals path into v. Missing files surface as os.ErrNotExist so
// callers can start from empty state.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ReadVersioned checks the leading version field against want before
// decoding the rest of the file into v.
func ReadVersioned(path string, want int, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if header.Version != want {
		return fmt.Errorf("%s: have %d, want %d: %w", path, header.Version, want, ErrVersionMismatch)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Remove deletes path, tolerating its absence.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
