// Package routeros wraps the RouterOS API: a cached session pool per
// device IP, credential rotation on auth failure and a keepalive sweep.
package routeros

import (
	"context"
	"fmt"
	"strings"
	"time"

	ros "github.com/go-routeros/routeros/v3"
)

const (
	// APIPort is the RouterOS binary API port (plain login).
	APIPort = 8728

	// DefaultCallTimeout bounds every API call so a wedged device cannot
	// stall a worker.
	DefaultCallTimeout = 3 * time.Second
)

// Session is one logged-in RouterOS API connection. Call sends a command
// sentence (words like "=address=10.0.0.1" or "?name=ether1") and returns
// the reply rows.
type Session interface {
	Call(ctx context.Context, command string, words ...string) ([]map[string]string, error)
	Close() error
}

// Dialer opens sessions. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, addr, username, password string) (Session, error)
}

// APIDialer dials the real RouterOS binary API.
type APIDialer struct {
	Timeout time.Duration
}

func (d APIDialer) Dial(_ context.Context, addr, username, password string) (Session, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	client, err := ros.DialTimeout(addr, username, password, timeout)
	if err != nil {
		return nil, fmt.Errorf("routeros dial %s: %w", addr, err)
	}
	return &apiSession{client: client}, nil
}

type apiSession struct {
	client *ros.Client
}

type callResult struct {
	rows []map[string]string
	err  error
}

func (s *apiSession) Call(ctx context.Context, command string, words ...string) ([]map[string]string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	// the library call is blocking; confine it so the deadline holds
	done := make(chan callResult, 1)
	go func() {
		sentence := append([]string{command}, words...)
		reply, err := s.client.Run(sentence...)
		if err != nil {
			done <- callResult{err: err}
			return
		}
		rows := make([]map[string]string, 0, len(reply.Re))
		for _, re := range reply.Re {
			rows = append(rows, re.Map)
		}
		done <- callResult{rows: rows}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("routeros call %s: %w", command, ctx.Err())
	case res := <-done:
		return res.rows, res.err
	}
}

func (s *apiSession) Close() error {
	s.client.Close()
	return nil
}

// authErrorSubstrings mark a failure as an authentication problem (and so
// a rotation trigger) rather than a transport one.
var authErrorSubstrings = []string{
	"authentication",
	"invalid user",
	"password",
	"login failed",
	"logon failure",
}

// IsAuthError reports whether the error looks like bad credentials.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range authErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
