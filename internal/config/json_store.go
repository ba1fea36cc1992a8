package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	stateFileName = "fanctl.json"
	debounceDelay = 500 * time.Millisecond
)

// JSONStore keeps the persisted state in memory and writes it atomically to
// a JSON file, debouncing bursts of changes. It implements logic.Persistence.
type JSONStore struct {
	wmu   sync.Mutex // serializes file writes
	mu    sync.Mutex
	path  string
	def   State
	state State
	timer *time.Timer
	dirty bool
	delay time.Duration
}

// NewJSONStore creates a store in dir. def is used until Load finds a file.
func NewJSONStore(dir string, def State) *JSONStore {
	return &JSONStore{
		path:  filepath.Join(dir, stateFileName),
		def:   def.clone(),
		state: def.clone(),
		delay: debounceDelay,
	}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads the state from disk. A missing file keeps the defaults; a
// corrupt file is logged and replaced by the defaults on the next save.
func (s *JSONStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("config: %s not found, using defaults", s.path)
			return nil
		}
		return fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("config: corrupt state %s, using defaults: %v", s.path, err)
		return nil
	}
	migrateState(&st, s.def)

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

// State returns a copy of the current state.
func (s *JSONStore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// StandardSpeed returns the standard speed of fan 1 or 2.
func (s *JSONStore) StandardSpeed(fanID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validFan(fanID) {
		return 0
	}
	return s.state.StandardSpeed[fanID-1]
}

// SetStandardSpeed stores the standard speed of fan 1 or 2.
func (s *JSONStore) SetStandardSpeed(fanID int, rpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validFan(fanID) || s.state.StandardSpeed[fanID-1] == rpm {
		return
	}
	s.state.StandardSpeed[fanID-1] = rpm
	s.scheduleLocked()
}

// FanOutput returns the calibrated output of a fan for a mode.
func (s *JSONStore) FanOutput(fanID int, mode int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validFan(fanID) || mode < 0 || mode >= len(s.state.Outputs[fanID-1]) {
		return 0
	}
	return s.state.Outputs[fanID-1][mode]
}

// SetFanOutput stores the calibrated output of a fan for a mode.
func (s *JSONStore) SetFanOutput(fanID int, mode int, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validFan(fanID) || mode < 0 || mode >= len(s.state.Outputs[fanID-1]) {
		return
	}
	if s.state.Outputs[fanID-1][mode] == value {
		return
	}
	s.state.Outputs[fanID-1][mode] = value
	s.scheduleLocked()
}

func (s *JSONStore) scheduleLocked() {
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(); err != nil {
			log.Printf("config: write state: %v", err)
		}
	})
}

// Flush writes pending changes immediately.
func (s *JSONStore) Flush() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	st := s.state.clone()
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeAtomic(st); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *JSONStore) writeAtomic(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Write to temp file, then rename (atomic on Linux)
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func validFan(id int) bool { return id == 1 || id == 2 }
