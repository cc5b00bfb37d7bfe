// Package remote executes shell commands on the managed host over a pooled
// SSH connection. Commands are shaped as single shell invocations with
// explicit quoting; callers never interpolate raw user strings.
package remote

import (
	"context"
	"strings"
	"time"
)

// Default command deadlines. Compose and transfer operations get longer
// budgets than plain control commands.
const (
	DefaultTimeout = 30 * time.Second
	ComposeTimeout = 120 * time.Second
	GitTimeout     = 300 * time.Second
	UploadTimeout  = 600 * time.Second
)

// Result is the outcome of a completed remote command. A non-zero ExitCode
// is not an error at this layer; transport failures are.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout and stderr joined for audit capture.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner is the command surface the rest of the system depends on.
// Implementations must be safe for concurrent use.
type Runner interface {
	// Run executes cmd and waits for completion.
	Run(ctx context.Context, cmd string) (Result, error)
	// RunInput executes cmd with stdin attached.
	RunInput(ctx context.Context, cmd string, stdin []byte) (Result, error)
	// RunStream executes cmd, invoking onChunk for each piece of combined
	// output as it arrives, then returns the final result.
	RunStream(ctx context.Context, cmd string, onChunk func(chunk string)) (Result, error)
	// Upload writes data to path on the remote host.
	Upload(ctx context.Context, path string, data []byte) error
	// ReadFile reads path from the remote host.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Quote shell-quotes s for safe inclusion in a remote command line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\!&|;<>()[]{}*?~#%=") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteArgs quotes each argument and joins them with spaces.
func QuoteArgs(args ...string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}
