// Package ssh provides the SSH session transport used to reach VM agents.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a connected SSH client. Each Run or Start opens a new session
// on the shared connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	closed      bool
	stop        chan struct{}
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "start")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a temporary TransportError.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// Dial connects to the host described by config, directly or through the
// configured jump host.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	c := &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
		stop:   make(chan struct{}),
	}

	if config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return nil, err
	}

	c.connectedAt = time.Now()
	if config.KeepAliveInterval > 0 {
		go c.keepAlive()
	}
	return c, nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	client, err := dialContext(ctx, address, clientConfig)
	if err != nil {
		return err
	}
	c.client = client
	c.logger.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: fmt.Errorf("failed to build proxy config: %w", err), IsAuthError: true}
	}

	c.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to jump host")
	proxyClient, err := dialContext(ctx, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return err
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsAuthError: true}
	}

	c.proxy = proxyClient
	c.client = ssh.NewClient(ncc, chans, reqs)
	c.logger.Debug().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via jump host")
	return nil
}

func dialContext(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-ch:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		return r.client, nil
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run executes cmd and collects its output. A non-zero exit status is
// reported in ExecResult.ExitCode, not as an error.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	c.logger.Debug().Str("command", cmd).Dur("duration", result.Duration).Err(runErr).Msg("Command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// Process is a command started with Start.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	session *ssh.Session
	once    sync.Once
}

// Close terminates the process session.
func (p *Process) Close() error {
	var err error
	p.once.Do(func() {
		if p.Stdin != nil {
			_ = p.Stdin.Close()
		}
		if p.session != nil {
			err = p.session.Close()
			if errors.Is(err, io.EOF) {
				err = nil
			}
		}
	})
	return err
}

// Start launches cmd and returns its stdin and stdout. Stderr is logged.
func (c *Client) Start(ctx context.Context, cmd string) (*Process, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}
	session.Stderr = &logWriter{logger: c.logger, command: cmd}

	if err := ctx.Err(); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}

	c.logger.Debug().Str("command", cmd).Msg("Process started")
	return &Process{Stdin: stdin, Stdout: stdout, session: session}, nil
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Close closes the connection and the jump host connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)

	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		client, err := c.sshClient()
		if err != nil {
			return
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, closing connection")
				_ = c.Close()
				return
			}
			continue
		}
		retries = 0
	}
}

// logWriter forwards remote stderr lines to the logger.
type logWriter struct {
	logger  zerolog.Logger
	command string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Str("command", w.command).Str("stderr", string(bytes.TrimSpace(p))).Msg("Remote stderr")
	return len(p), nil
}
