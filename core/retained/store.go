package retained

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Store persists the retained state in whatever storage survives the
// platform's low-power sleep.
type Store interface {
	Load() (State, error)
	Save(s State) error
}

// MemStore keeps the record in process memory. It models retained RAM for
// simulations and tests.
type MemStore struct {
	mu  sync.Mutex
	rec []byte
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s State
	if m.rec == nil {
		return s, nil
	}
	err := s.UnmarshalBinary(m.rec)
	return s, err
}

func (m *MemStore) Save(s State) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = b
	return nil
}

// PowerLoss drops the retained record.
func (m *MemStore) PowerLoss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
}

// Corrupt flips bits in the retained record to model a write torn by a reset.
func (m *MemStore) Corrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rec) != 0 {
		m.rec[len(m.rec)/2] ^= 0xff
	}
}

// FileStore keeps the record in a file, typically on a RAM-backed file system
// that survives suspend but not power loss.
type FileStore struct {
	Fs   afero.Fs
	Path string
}

var _ Store = (*FileStore)(nil)

func (f *FileStore) Load() (State, error) {
	var s State
	b, err := afero.ReadFile(f.Fs, f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	err = s.UnmarshalBinary(b)
	if err != nil {
		return State{}, err
	}
	return s, nil
}

func (f *FileStore) Save(s State) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	err = f.Fs.MkdirAll(filepath.Dir(f.Path), 0o755)
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	err = afero.WriteFile(f.Fs, tmp, b, 0o644)
	if err != nil {
		return err
	}
	return f.Fs.Rename(tmp, f.Path)
}
