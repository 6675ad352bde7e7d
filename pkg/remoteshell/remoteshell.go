// Package remoteshell runs scripts and copies files on target hosts.
package remoteshell

import (
	"context"
	"strings"
)

// Credentials selects how a host is reached. Password and KeyPath may both be
// set; at least one is required.
type Credentials struct {
	User     string
	Password string
	KeyPath  string
	Port     int
}

func (c Credentials) empty() bool {
	return c.Password == "" && c.KeyPath == ""
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output is stdout followed by stderr, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout + r.Stderr)
}

type Transport interface {
	Connect(ctx context.Context, address string, creds Credentials) (Session, error)
}

// Session is one authenticated connection. Run reports a non-zero exit through
// Result.ExitCode; the returned error is reserved for transport failures.
type Session interface {
	Run(ctx context.Context, script string) (Result, error)
	PutFile(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
