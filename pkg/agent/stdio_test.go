package agent

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
	"github.com/openfroyo/cloudcheck/pkg/agent/server"
	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// pipeAgent is an agent process simulated over in-memory pipes.
type pipeAgent struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func newPipeAgent() *pipeAgent {
	p := &pipeAgent{}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

// Close plays the part of the SSH session: both directions go away.
func (p *pipeAgent) Close() error {
	_ = p.stdinW.Close()
	_ = p.stdoutR.Close()
	return nil
}

func (p *pipeAgent) serve(srv *server.Server) {
	go func() {
		_ = srv.ServeStdio(context.Background(), p.stdinR, p.stdoutW)
		_ = p.stdoutW.Close()
	}()
}

func startStdio(t *testing.T, disks server.Disks, disabled ...protocol.CommandType) *StdioClient {
	t.Helper()
	p := newPipeAgent()
	p.serve(server.New(disks, server.Options{AgentID: "agent-1", Disabled: disabled, Logger: zerolog.Nop()}))

	client, err := NewStdioClient(context.Background(), p.stdinW, p.stdoutR, p, StdioOptions{
		StartupTimeout: time.Second,
		CommandTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStdioClientCommands(t *testing.T) {
	disks := &stubDisks{mounted: []string{"vol-1"}}
	client := startStdio(t, disks)
	ctx := context.Background()

	assert.Equal(t, "agent-1", client.Ready().AgentID)

	cids, err := client.ListMountedDisks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vol-1"}, cids)

	require.NoError(t, client.MountDisk(ctx, "vol-2"))
	assert.Equal(t, []string{"vol-2"}, disks.mounts)

	require.NoError(t, client.Ping(ctx))
	assert.False(t, client.Closed())
}

func TestStdioClientUnsupportedCapability(t *testing.T) {
	client := startStdio(t, &stubDisks{}, protocol.CommandTypeListMounted)

	_, err := client.ListMountedDisks(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrAgentUnsupported)

	// The session stays usable.
	require.NoError(t, client.Ping(context.Background()))
}

func TestStdioClientRemoteError(t *testing.T) {
	client := startStdio(t, &stubDisks{err: errors.New("no such device")})

	err := client.MountDisk(context.Background(), "vol-1")
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Contains(t, err.Error(), "no such device")
	assert.False(t, client.Closed())
}

func TestStdioClientReadyTimeout(t *testing.T) {
	p := newPipeAgent()

	_, err := NewStdioClient(context.Background(), p.stdinW, p.stdoutR, p, StdioOptions{
		StartupTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeTimeout, ee.Code)
}

func TestStdioClientReadyMissing(t *testing.T) {
	p := newPipeAgent()
	go func() {
		_ = protocol.NewEncoder(p.stdoutW).EncodeExit(&protocol.ExitMessage{Reason: "refused"})
	}()

	_, err := NewStdioClient(context.Background(), p.stdinW, p.stdoutR, p, StdioOptions{
		StartupTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected READY")
}

func TestStdioClientCommandTimeoutClosesSession(t *testing.T) {
	p := newPipeAgent()
	go func() {
		enc := protocol.NewEncoder(p.stdoutW)
		_ = enc.EncodeReady(&protocol.ReadyMessage{Version: protocol.Version, Caps: map[string]bool{"ping": true}})
		// Swallow commands without answering.
		_, _ = io.Copy(io.Discard, p.stdinR)
	}()

	client, err := NewStdioClient(context.Background(), p.stdinW, p.stdoutR, p, StdioOptions{
		StartupTimeout: time.Second,
		CommandTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.True(t, client.Closed())

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestStdioClientAgentExit(t *testing.T) {
	client := startStdio(t, &stubDisks{})
	require.NoError(t, client.Close())

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}
