package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// State is persisted to disk so a later start can clean up a namespace,
// veth pair and NAT rules left behind by a crash (SIGKILL, power loss).
type State struct {
	Name      string    `json:"name"`
	HostVeth  string    `json:"hostVeth"`
	NSVeth    string    `json:"nsVeth"`
	Subnet    string    `json:"subnet"`
	EtcDir    string    `json:"etcDir,omitempty"`
	NATTable  string    `json:"natTable"`
	Tunnel    string    `json:"tunnel"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Alive reports whether the process that wrote the state still runs.
func (s *State) Alive() bool {
	if s.PID <= 0 || s.PID == os.Getpid() {
		return false
	}
	err := unix.Kill(s.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SaveState writes s to path, replacing any previous record atomically.
func SaveState(path string, s *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// LoadState reads the state file. Returns nil, nil if no file exists.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	return &s, nil
}

// ClearState removes the state file after a clean shutdown.
func ClearState(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
