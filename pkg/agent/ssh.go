package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
	sshtransport "github.com/openfroyo/cloudcheck/pkg/transports/ssh"
)

// DefaultAgentCommand starts the agent in stdio mode on the VM.
const DefaultAgentCommand = "sudo /var/vcap/bosh/bin/cloudcheck-agent serve --stdio"

// SSHResolverConfig configures SSHResolver.
type SSHResolverConfig struct {
	// SSH is the connection template. Host and port come from VM.Address.
	SSH *sshtransport.Config

	// Command starts the agent. Defaults to DefaultAgentCommand.
	Command string

	// Stdio sets the session timeouts. Its logger is replaced by the
	// resolver's.
	Stdio StdioOptions
}

// processStarter is the part of *sshtransport.Client the resolver uses.
type processStarter interface {
	Start(ctx context.Context, cmd string) (*sshtransport.Process, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg *sshtransport.Config, logger zerolog.Logger) (processStarter, error)

func dialSSH(ctx context.Context, cfg *sshtransport.Config, logger zerolog.Logger) (processStarter, error) {
	client, err := sshtransport.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type sshSession struct {
	conn   processStarter
	client *StdioClient
}

// SSHResolver starts one agent session per VM over SSH and reuses it
// until it breaks.
type SSHResolver struct {
	cfg    SSHResolverConfig
	logger zerolog.Logger
	dial   dialFunc

	mu       sync.Mutex
	sessions map[string]*sshSession
}

var _ engine.AgentResolver = (*SSHResolver)(nil)

// NewSSHResolver creates a resolver.
func NewSSHResolver(cfg SSHResolverConfig, logger zerolog.Logger) *SSHResolver {
	if cfg.Command == "" {
		cfg.Command = DefaultAgentCommand
	}
	cfg.Stdio.Logger = logger
	return &SSHResolver{
		cfg:      cfg,
		logger:   logger.With().Str("component", "agent_ssh").Logger(),
		dial:     dialSSH,
		sessions: make(map[string]*sshSession),
	}
}

// ForVM returns the session for vm, starting one when needed.
func (r *SSHResolver) ForVM(ctx context.Context, vm *stores.VM) (engine.AgentClient, error) {
	if vm == nil || vm.Address == "" {
		return nil, engine.NewPermanentError("vm has no ssh address", nil).WithCode(engine.ErrCodeAgentFailed)
	}
	if r.cfg.SSH == nil {
		return nil, engine.NewPermanentError("ssh is not configured", nil).WithCode(engine.ErrCodeAgentFailed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[vm.CID]; ok {
		if !s.client.Closed() {
			return s.client, nil
		}
		_ = s.conn.Close()
		delete(r.sessions, vm.CID)
	}

	cfg, err := r.cfg.SSH.ForAddress(vm.Address)
	if err != nil {
		return nil, engine.NewPermanentError("invalid vm address", err).WithCode(engine.ErrCodeAgentFailed).WithResource(vm.CID)
	}

	conn, err := r.dial(ctx, cfg, r.logger)
	if err != nil {
		if sshtransport.IsTemporary(err) {
			return nil, transportError("connect", err)
		}
		return nil, engine.NewPermanentError("ssh connection failed", err).WithCode(engine.ErrCodeAgentFailed).WithResource(vm.CID)
	}

	proc, err := conn.Start(ctx, r.cfg.Command)
	if err != nil {
		_ = conn.Close()
		return nil, transportError("start", err)
	}

	client, err := NewStdioClient(ctx, proc.Stdin, proc.Stdout, proc, r.cfg.Stdio)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	r.logger.Debug().Str("vm_cid", vm.CID).Str("address", vm.Address).Msg("Agent session started")
	r.sessions[vm.CID] = &sshSession{conn: conn, client: client}
	return client, nil
}

// Close ends every session.
func (r *SSHResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for cid, s := range r.sessions {
		_ = s.client.Close()
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session for %s: %w", cid, err)
		}
		delete(r.sessions, cid)
	}
	return firstErr
}
