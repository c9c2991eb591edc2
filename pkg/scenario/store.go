// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const resultFile = "report.json"

var (
	// ErrRunNotFound indicates the requested run ID has no stored report.
	ErrRunNotFound = errors.New("run not found")
	// ErrStoreCorrupted indicates a stored report could not be decoded.
	ErrStoreCorrupted = errors.New("store corrupted")
	// ErrInvalidRunID indicates a run ID that is not a single path element.
	ErrInvalidRunID = errors.New("invalid run ID")
)

// validateRunID rejects IDs that would resolve outside the store directory.
func validateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRunID)
	}
	if id == "." || !filepath.IsLocal(id) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

// Store persists run reports under <dir>/<runID>/.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates dir if needed and returns a Store rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// RunDir returns the directory holding the artifacts of a run.
func (s *Store) RunDir(id string) string {
	return filepath.Join(s.dir, id)
}

// Save writes report.json and one extra report per format.
func (s *Store) Save(r *Result, formats ...Format) error {
	if r == nil {
		return errors.New("result is nil")
	}
	if err := validateRunID(r.RunID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(r.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	for _, f := range append([]Format{FormatJSON}, formats...) {
		path := filepath.Join(dir, "report."+f.Ext())
		if err := writeFile(path, func(fh *os.File) error { return f.Write(fh, r) }); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(fh); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

// Load reads the report of a run.
func (s *Store) Load(id string) (*Result, error) {
	if err := validateRunID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load(id)
}

func (s *Store) load(id string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(id), resultFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Join(err, ErrStoreCorrupted)
	}
	return &r, nil
}

// List returns every readable report, oldest first. Corrupted reports are
// skipped.
func (s *Store) List() ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts directory: %w", err)
	}

	var out []*Result
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.load(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Delete removes every artifact of a run.
func (s *Store) Delete(id string) error {
	if err := validateRunID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}
