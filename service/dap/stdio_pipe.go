//go:build !windows
// +build !windows

package dap

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// redirector captures a launched runtime process's stdout/stderr through
// named pipes, so their contents can be relayed as DAP `output` events
// instead of mixing into the adapter's own stdio.
type redirector struct {
	stdoutPath string
	stderrPath string
}

// NewRedirector creates a pair of named pipes under the system temp
// directory.
func NewRedirector() (*redirector, error) {
	r := make([]byte, 4)
	if _, err := rand.Read(r); err != nil {
		return nil, err
	}

	prefix := filepath.Join(os.TempDir(), hex.EncodeToString(r))
	stdoutPath := prefix + "-stdout"
	stderrPath := prefix + "-stderr"

	if err := syscall.Mkfifo(stdoutPath, 0o600); err != nil {
		return nil, err
	}
	if err := syscall.Mkfifo(stderrPath, 0o600); err != nil {
		_ = os.Remove(stdoutPath)
		return nil, err
	}

	return &redirector{stdoutPath: stdoutPath, stderrPath: stderrPath}, nil
}

// Paths returns the (stdout, stderr) pipe paths to pass as the launched
// process's redirected file arguments.
func (r *redirector) Paths() (stdout, stderr string) {
	return r.stdoutPath, r.stderrPath
}

// Close removes both pipes.
func (r *redirector) Close() {
	os.Remove(r.stdoutPath)
	os.Remove(r.stderrPath)
}

// Relay opens stdType's pipe for reading and invokes f with it, blocking
// until the writing end (the launched process) closes it. Intended to run
// in its own goroutine per stream.
func (r *redirector) Relay(stdType string, f func(reader io.Reader)) error {
	path := r.stderrPath
	if stdType == "stdout" {
		path = r.stdoutPath
	}
	file, err := os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return err
	}
	defer file.Close()
	f(file)
	return nil
}
