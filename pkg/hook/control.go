// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mbeema/usm/pkg/protocols"
)

const (
	controlFileName = "control"
	controlFileSize = 4096
)

// ControlFile is a one-page file instrumented processes map read-only. Its
// first eight bytes hold a little-endian mask of enabled programs, one bit
// per protocols.ProgramType. A zero mask means dormant: hooks pass data
// through without reporting it.
type ControlFile struct {
	path string
	file *os.File
}

// CreateControlFile creates a dormant control file in dir.
func CreateControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("create control file: %w", err)
	}

	// Exactly one page for a clean mmap on the reader side.
	if err := f.Truncate(controlFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate control file: %w", err)
	}

	c := &ControlFile{path: path, file: f}
	if err := c.SetPrograms(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("init control file: %w", err)
	}

	os.Chmod(path, 0666)

	return c, nil
}

// OpenControlFile opens an existing control file for read-write access.
func OpenControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open control file %s: %w", path, err)
	}

	return &ControlFile{path: path, file: f}, nil
}

// ProgramMask builds the mask of the enabled protocols.
func ProgramMask(enabled map[protocols.ProtocolType]bool) uint64 {
	var mask uint64
	for p, on := range enabled {
		if !on {
			continue
		}
		if prog, ok := protocols.ProgramFor(p); ok {
			mask |= 1 << prog
		}
	}
	return mask
}

// SetPrograms publishes mask to every instrumented process.
func (c *ControlFile) SetPrograms(mask uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], mask)
	_, err := c.file.WriteAt(b[:], 0)
	return err
}

// Programs returns the published mask.
func (c *ControlFile) Programs() (uint64, error) {
	var b [8]byte
	if _, err := c.file.ReadAt(b[:], 0); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Close closes the file handle. It does not remove the file.
func (c *ControlFile) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Remove removes the control file from disk.
func (c *ControlFile) Remove() {
	os.Remove(c.path)
}

// Path returns the control file path.
func (c *ControlFile) Path() string {
	return c.path
}
