package keyring

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sputn1ck/tanglewallet/tangle"
)

// KeySlot identifies an address chain: a seed, by fingerprint, at a given
// security level.
type KeySlot struct {
	Fingerprint string
	Security    tangle.SecurityLevel
}

// String renders the slot as "fingerprint/security".
func (k KeySlot) String() string {
	return fmt.Sprintf("%s/%d", k.Fingerprint, k.Security)
}

// parseKeySlot is the inverse of KeySlot.String.
func parseKeySlot(s string) (KeySlot, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return KeySlot{}, fmt.Errorf("malformed key slot %q", s)
	}

	sec, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return KeySlot{}, fmt.Errorf("malformed key slot %q: %w", s, err)
	}

	return KeySlot{
		Fingerprint: parts[0],
		Security:    tangle.SecurityLevel(sec),
	}, nil
}

// KeyStateStore is an interface for persisting address indexes.
type KeyStateStore interface {
	// GetNextIndex returns the first index that has not been handed out
	// for a slot.
	GetNextIndex(slot KeySlot) (uint64, error)

	// SetNextIndex sets the next index for a slot.
	SetNextIndex(slot KeySlot, index uint64) error

	// GetAllIndexes returns the next index of every known slot.
	GetAllIndexes() (map[KeySlot]uint64, error)
}

// FileKeyStateStore implements KeyStateStore using a JSON file.
type FileKeyStateStore struct {
	filePath string
	indexes  map[KeySlot]uint64
	mu       sync.RWMutex
}

// keyStateFile represents the JSON structure for key state.
type keyStateFile struct {
	Slots map[string]uint64 `json:"slots"`
}

// NewFileKeyStateStore creates a new file-based key state store.
func NewFileKeyStateStore(filePath string) (*FileKeyStateStore, error) {
	store := &FileKeyStateStore{
		filePath: filePath,
		indexes:  make(map[KeySlot]uint64),
	}

	// A missing file is created on first save.
	if err := store.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load key state: %w", err)
		}
	}

	return store, nil
}

// GetNextIndex returns the next index for a slot.
func (s *FileKeyStateStore) GetNextIndex(slot KeySlot) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.indexes[slot], nil
}

// SetNextIndex sets the next index for a slot and persists the state.
func (s *FileKeyStateStore) SetNextIndex(slot KeySlot, index uint64) error {
	s.mu.Lock()
	s.indexes[slot] = index
	s.mu.Unlock()

	return s.save()
}

// GetAllIndexes returns all slot indexes.
func (s *FileKeyStateStore) GetAllIndexes() (map[KeySlot]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyIndexes(s.indexes), nil
}

// load loads key state from file.
func (s *FileKeyStateStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var state keyStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal key state: %w", err)
	}

	s.indexes = make(map[KeySlot]uint64, len(state.Slots))
	for slotStr, index := range state.Slots {
		slot, err := parseKeySlot(slotStr)
		if err != nil {
			log.Warnf("Skipping key state entry: %v", err)
			continue
		}
		s.indexes[slot] = index
	}

	return nil
}

// save saves key state to file.
func (s *FileKeyStateStore) save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := keyStateFile{
		Slots: make(map[string]uint64, len(s.indexes)),
	}
	for slot, index := range s.indexes {
		state.Slots[slot.String()] = index
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key state: %w", err)
	}

	if err := os.WriteFile(s.filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key state: %w", err)
	}

	return nil
}

// MemoryKeyStateStore implements KeyStateStore using in-memory storage.
type MemoryKeyStateStore struct {
	indexes map[KeySlot]uint64
	mu      sync.RWMutex
}

// NewMemoryKeyStateStore creates a new in-memory key state store.
func NewMemoryKeyStateStore() *MemoryKeyStateStore {
	return &MemoryKeyStateStore{
		indexes: make(map[KeySlot]uint64),
	}
}

// GetNextIndex returns the next index for a slot.
func (s *MemoryKeyStateStore) GetNextIndex(slot KeySlot) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.indexes[slot], nil
}

// SetNextIndex sets the next index for a slot.
func (s *MemoryKeyStateStore) SetNextIndex(slot KeySlot, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indexes[slot] = index
	return nil
}

// GetAllIndexes returns all slot indexes.
func (s *MemoryKeyStateStore) GetAllIndexes() (map[KeySlot]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyIndexes(s.indexes), nil
}

func copyIndexes(in map[KeySlot]uint64) map[KeySlot]uint64 {
	result := make(map[KeySlot]uint64, len(in))
	for slot, index := range in {
		result[slot] = index
	}

	return result
}
