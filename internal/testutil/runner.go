// Package testutil provides shared fakes for command-level tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/remote"
)

// Response is a scripted reply for a command matching Match.
type Response struct {
	Match    string // substring of the command
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// FakeRunner is a scripted remote.Runner. Commands are matched against the
// scripted responses in order; unmatched commands succeed with empty output.
// Files written through Upload are visible to ReadFile.
type FakeRunner struct {
	mu        sync.Mutex
	Responses []Response
	Files     map[string][]byte
	Commands  []string
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner(responses ...Response) *FakeRunner {
	return &FakeRunner{Responses: responses, Files: map[string][]byte{}}
}

// Script appends a scripted response.
func (f *FakeRunner) Script(r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, r)
}

// SetFile seeds a remote file.
func (f *FakeRunner) SetFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[path] = data
}

// CommandLog returns a copy of the commands run so far.
func (f *FakeRunner) CommandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Commands))
	copy(out, f.Commands)
	return out
}

// Ran reports whether any executed command contains substr.
func (f *FakeRunner) Ran(substr string) bool {
	for _, c := range f.CommandLog() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (f *FakeRunner) lookup(cmd string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)
	for _, r := range f.Responses {
		if r.Match != "" && strings.Contains(cmd, r.Match) {
			if r.Err != nil {
				return remote.Result{}, r.Err
			}
			return remote.Result{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}, nil
		}
	}
	return remote.Result{}, nil
}

// Run implements remote.Runner.
func (f *FakeRunner) Run(_ context.Context, cmd string) (remote.Result, error) {
	return f.lookup(cmd)
}

// RunInput implements remote.Runner.
func (f *FakeRunner) RunInput(_ context.Context, cmd string, _ []byte) (remote.Result, error) {
	return f.lookup(cmd)
}

// RunStream implements remote.Runner.
func (f *FakeRunner) RunStream(_ context.Context, cmd string, onChunk func(string)) (remote.Result, error) {
	res, err := f.lookup(cmd)
	if err == nil && onChunk != nil && res.Stdout != "" {
		onChunk(res.Stdout)
	}
	return res, err
}

// Upload implements remote.Runner.
func (f *FakeRunner) Upload(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, fmt.Sprintf("upload %s (%d bytes)", path, len(data)))
	f.Files[path] = append([]byte(nil), data...)
	return nil
}

// ReadFile implements remote.Runner.
func (f *FakeRunner) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, "read "+path)
	data, ok := f.Files[path]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "read %s: No such file or directory", path)
	}
	return append([]byte(nil), data...), nil
}

var _ remote.Runner = (*FakeRunner)(nil)
