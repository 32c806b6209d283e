package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// StdioOptions configures a StdioClient.
type StdioOptions struct {
	// StartupTimeout bounds the wait for READY. Default 10s.
	StartupTimeout time.Duration

	// CommandTimeout bounds each command. Default 30s.
	CommandTimeout time.Duration

	Logger zerolog.Logger
}

func (o *StdioOptions) setDefaults() {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 10 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
}

// StdioClient drives an agent process speaking the line protocol on its
// stdin and stdout. Commands are serialized. A command that times out or
// hits an I/O error closes the client.
type StdioClient struct {
	opts    StdioOptions
	logger  zerolog.Logger
	closer  io.Closer
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	ready   *protocol.ReadyMessage

	mu     sync.Mutex
	closed bool
}

var _ engine.AgentClient = (*StdioClient)(nil)

// NewStdioClient waits for READY on stdout and returns a client. closer
// is called when the client closes; it should terminate the process.
func NewStdioClient(ctx context.Context, stdin io.Writer, stdout io.Reader, closer io.Closer, opts StdioOptions) (*StdioClient, error) {
	opts.setDefaults()
	c := &StdioClient{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "agent_stdio").Logger(),
		closer:  closer,
		encoder: protocol.NewEncoder(stdin),
		decoder: protocol.NewDecoder(stdout),
	}

	readyCtx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	type result struct {
		ready *protocol.ReadyMessage
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			ch <- result{err: err}
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			ch <- result{err: fmt.Errorf("expected READY, got %s", msg.Type)}
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{ready: &ready}
	}()

	select {
	case <-readyCtx.Done():
		_ = c.Close()
		return nil, timeoutError("ready", readyCtx.Err())
	case r := <-ch:
		if r.err != nil {
			_ = c.Close()
			return nil, transportError("ready", fmt.Errorf("failed to receive READY: %w", r.err))
		}
		c.ready = r.ready
	}

	c.logger.Debug().Str("version", c.ready.Version).Str("agent_id", c.ready.AgentID).Msg("Agent ready")
	return c, nil
}

// Ready returns the READY message received at startup.
func (c *StdioClient) Ready() *protocol.ReadyMessage {
	return c.ready
}

// Closed reports whether the client can no longer be used.
func (c *StdioClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close terminates the session.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *StdioClient) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// ListMountedDisks runs disks.list_mounted.
func (c *StdioClient) ListMountedDisks(ctx context.Context) ([]string, error) {
	var res protocol.ListMountedResult
	if err := c.execute(ctx, protocol.CommandTypeListMounted, nil, &res); err != nil {
		return nil, err
	}
	if res.DiskCIDs == nil {
		res.DiskCIDs = []string{}
	}
	return res.DiskCIDs, nil
}

// MountDisk runs disks.mount.
func (c *StdioClient) MountDisk(ctx context.Context, diskCID string) error {
	var res protocol.MountResult
	return c.execute(ctx, protocol.CommandTypeMount, &protocol.MountParams{DiskCID: diskCID}, &res)
}

// Ping runs ping.
func (c *StdioClient) Ping(ctx context.Context) error {
	var res protocol.PingResult
	return c.execute(ctx, protocol.CommandTypePing, nil, &res)
}

type stdioReply struct {
	done   *protocol.DoneMessage
	errMsg *protocol.ErrorMessage
	err    error
}

func (c *StdioClient) execute(ctx context.Context, ct protocol.CommandType, params, result interface{}) error {
	method := string(ct)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transportError(method, fmt.Errorf("agent session is closed"))
	}
	if !c.ready.Supports(ct) {
		return unsupportedError(method)
	}

	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    ct,
		Timeout: int(c.opts.CommandTimeout.Seconds()),
	}
	if cmd.Timeout < 1 {
		cmd.Timeout = 1
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return engine.NewPermanentError("failed to encode params", err).WithCode(engine.ErrCodeInternal).WithOperation(method)
		}
		cmd.Params = raw
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		_ = c.closeLocked()
		return transportError(method, err)
	}

	ch := make(chan stdioReply, 1)
	go func() { ch <- c.await(cmd.ID) }()

	var r stdioReply
	select {
	case <-ctx.Done():
		// The reader goroutine unblocks once the transport is closed.
		_ = c.closeLocked()
		return timeoutError(method, ctx.Err())
	case r = <-ch:
	}

	if r.err != nil {
		_ = c.closeLocked()
		return transportError(method, r.err)
	}
	if r.errMsg != nil {
		switch r.errMsg.Code {
		case protocol.ErrCodeUnsupported:
			return unsupportedError(method)
		case protocol.ErrCodeTimeout:
			return timeoutError(method, fmt.Errorf("%s", r.errMsg.Message))
		}
		return remoteError(method, r.errMsg.Message, r.errMsg.Retryable)
	}

	if result != nil && len(r.done.Result) > 0 {
		if err := protocol.ParseParams(r.done.Result, result); err != nil {
			return engine.NewPermanentError("malformed agent result", err).WithCode(engine.ErrCodeAgentFailed).WithOperation(method)
		}
	}
	return nil
}

func (c *StdioClient) await(id string) stdioReply {
	msg, err := c.decoder.Decode()
	if err != nil {
		return stdioReply{err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch msg.Type {
	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := protocol.ParseParams(msg.Data, &done); err != nil {
			return stdioReply{err: err}
		}
		if done.CommandID != id {
			return stdioReply{err: fmt.Errorf("command ID mismatch: expected %s, got %s", id, done.CommandID)}
		}
		return stdioReply{done: &done}

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
			return stdioReply{err: err}
		}
		if errMsg.CommandID != "" && errMsg.CommandID != id {
			return stdioReply{err: fmt.Errorf("command ID mismatch: expected %s, got %s", id, errMsg.CommandID)}
		}
		return stdioReply{errMsg: &errMsg}

	case protocol.MessageTypeExit:
		return stdioReply{err: fmt.Errorf("agent exited unexpectedly")}

	default:
		return stdioReply{err: fmt.Errorf("unexpected message type: %s", msg.Type)}
	}
}
