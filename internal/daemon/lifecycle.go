package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile records the process running a live session so other commands
// can find and stop it.
type PIDFile struct {
	path string
}

// NewPIDFile returns the PID file inside dataDir.
func NewPIDFile(dataDir string) *PIDFile {
	return &PIDFile{path: filepath.Join(dataDir, "autotrack.pid")}
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes the current PID, failing if another live process holds it.
func (p *PIDFile) Acquire() error {
	if pid, err := p.PID(); err == nil && processAlive(pid) {
		return fmt.Errorf("already running with PID %d (%s)", pid, p.path)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release removes the file.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// PID reads the recorded process id.
func (p *PIDFile) PID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// Running reports whether the recorded process is alive.
func (p *PIDFile) Running() bool {
	pid, err := p.PID()
	return err == nil && processAlive(pid)
}

// Signal asks the recorded process to stop.
func (p *PIDFile) Signal() error {
	pid, err := p.PID()
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("not running")
		}
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
