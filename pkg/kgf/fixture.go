package kgf

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// Fixture files hold a single tensor each, one file per tensor, and are the
// regression artifact format emitted by parity runs.

// SaveTensorFile writes one tensor to path, creating parent directories.
func SaveTensorFile(path string, t *Tensor) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(MagicKGT); err != nil {
		return err
	}
	e := &encoder{w: w, off: int64(len(MagicKGT))}
	e.tensor(t)
	if e.err != nil {
		return e.err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// LoadTensorFile reads a tensor fixture. The payload is copied, so the
// returned tensor outlives the file.
func LoadTensorFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) < len(MagicKGT) || string(data[:len(MagicKGT)]) != MagicKGT {
		return nil, ErrBadMagic
	}
	d := &decoder{data: data, off: len(MagicKGT)}
	t := d.tensor()
	if d.err != nil {
		return nil, d.err
	}
	// Re-home the payload into an aligned allocation.
	return t.Clone(), nil
}
