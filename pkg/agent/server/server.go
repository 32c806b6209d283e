// Package server implements the VM side of the agent protocol. The same
// dispatch answers stdio sessions started over SSH and NATS requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
)

// Disks is the disk surface the agent exposes.
type Disks interface {
	ListMounted(ctx context.Context) ([]string, error)
	Mount(ctx context.Context, diskCID string) (*protocol.MountResult, error)
}

// Options configures a Server.
type Options struct {
	AgentID string
	Version string

	// Disabled hides commands from READY and answers them as unsupported,
	// the way an agent predating them would.
	Disabled []protocol.CommandType

	Logger zerolog.Logger
}

// Server dispatches agent commands to a Disks implementation.
type Server struct {
	agentID  string
	version  string
	disks    Disks
	disabled map[protocol.CommandType]bool
	logger   zerolog.Logger
	commands atomic.Int64
}

// New creates a server.
func New(disks Disks, opts Options) *Server {
	disabled := make(map[protocol.CommandType]bool, len(opts.Disabled))
	for _, ct := range opts.Disabled {
		disabled[ct] = true
	}
	version := opts.Version
	if version == "" {
		version = protocol.Version
	}
	return &Server{
		agentID:  opts.AgentID,
		version:  version,
		disks:    disks,
		disabled: disabled,
		logger:   opts.Logger.With().Str("component", "agent").Str("agent_id", opts.AgentID).Logger(),
	}
}

// Capabilities lists the commands this server answers.
func (s *Server) Capabilities() map[string]bool {
	caps := make(map[string]bool)
	for _, ct := range []protocol.CommandType{protocol.CommandTypePing, protocol.CommandTypeListMounted, protocol.CommandTypeMount} {
		if !s.disabled[ct] {
			caps[string(ct)] = true
		}
	}
	return caps
}

// Dispatch executes one command. A nil ErrorMessage means success.
func (s *Server) Dispatch(ctx context.Context, ct protocol.CommandType, params json.RawMessage) (json.RawMessage, *protocol.ErrorMessage) {
	s.commands.Add(1)
	if ct.Validate() != nil || s.disabled[ct] {
		return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeUnsupported, Message: fmt.Sprintf("unsupported command: %s", ct)}
	}

	var (
		result interface{}
		err    error
	)
	switch ct {
	case protocol.CommandTypePing:
		result = &protocol.PingResult{Status: "ok"}

	case protocol.CommandTypeListMounted:
		var cids []string
		cids, err = s.disks.ListMounted(ctx)
		if cids == nil {
			cids = []string{}
		}
		result = &protocol.ListMountedResult{DiskCIDs: cids}

	case protocol.CommandTypeMount:
		var p protocol.MountParams
		if len(params) == 0 {
			return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidParams, Message: "params are required"}
		}
		if perr := protocol.ParseParams(params, &p); perr != nil {
			return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidParams, Message: perr.Error()}
		}
		if verr := p.Validate(); verr != nil {
			return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidParams, Message: verr.Error()}
		}
		result, err = s.disks.Mount(ctx, p.DiskCID)
	}

	if err != nil {
		s.logger.Warn().Err(err).Str("command", string(ct)).Msg("Command failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeTimeout, Message: err.Error(), Retryable: true}
		}
		return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeFailed, Message: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, &protocol.ErrorMessage{Code: protocol.ErrCodeFailed, Message: err.Error()}
	}
	return data, nil
}

// ServeStdio announces READY on w and answers commands read from r until
// r is closed or ctx is done.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	ready := &protocol.ReadyMessage{
		Version:  s.version,
		AgentID:  s.agentID,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     s.Capabilities(),
	}
	if err := enc.EncodeReady(ready); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	start := s.commands.Load()
	reason, exitCode := "stdin_closed", 0
	for ctx.Err() == nil {
		cmd, err := dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("Rejected malformed command")
			if encErr := enc.EncodeError(&protocol.ErrorMessage{Code: protocol.ErrCodeInvalidParams, Message: err.Error()}); encErr != nil {
				reason, exitCode = "write_failed", 1
				break
			}
			continue
		}

		if err := s.serveCommand(ctx, enc, cmd); err != nil {
			reason, exitCode = "write_failed", 1
			break
		}
	}
	if ctx.Err() != nil {
		reason = "cancelled"
	}

	_ = enc.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: int(s.commands.Load() - start),
	})
	if exitCode != 0 {
		return fmt.Errorf("agent session ended: %s", reason)
	}
	return nil
}

func (s *Server) serveCommand(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) error {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	started := time.Now()
	result, errMsg := s.Dispatch(cmdCtx, cmd.Type, cmd.Params)
	if errMsg != nil {
		errMsg.CommandID = cmd.ID
		return enc.EncodeError(errMsg)
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(started).Seconds(),
	})
}

var natsMethods = map[string]protocol.CommandType{
	protocol.MethodPing:      protocol.CommandTypePing,
	protocol.MethodListDisk:  protocol.CommandTypeListMounted,
	protocol.MethodMountDisk: protocol.CommandTypeMount,
}

// HandleRequest answers one NATS request body.
func (s *Server) HandleRequest(ctx context.Context, data []byte) []byte {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeReply(&protocol.Reply{Exception: &protocol.Exception{Message: fmt.Sprintf("malformed request: %v", err)}})
	}

	ct, ok := natsMethods[req.Method]
	if !ok || s.disabled[ct] {
		s.commands.Add(1)
		return encodeReply(&protocol.Reply{Exception: protocol.UnknownMethod(req.Method)})
	}

	var params json.RawMessage
	if ct == protocol.CommandTypeMount {
		if len(req.Arguments) != 1 {
			return encodeReply(&protocol.Reply{Exception: &protocol.Exception{Message: "mount_disk expects one argument"}})
		}
		cid, _ := req.Arguments[0].(string)
		params, _ = json.Marshal(protocol.MountParams{DiskCID: cid})
	}

	result, errMsg := s.Dispatch(ctx, ct, params)
	if errMsg != nil {
		return encodeReply(&protocol.Reply{Exception: &protocol.Exception{Message: errMsg.Message}})
	}

	// list_disk answers a bare list, as older agents do.
	if ct == protocol.CommandTypeListMounted {
		var list protocol.ListMountedResult
		_ = json.Unmarshal(result, &list)
		result, _ = json.Marshal(list.DiskCIDs)
	}
	return encodeReply(&protocol.Reply{Value: result})
}

func encodeReply(r *protocol.Reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"exception":{"message":"failed to encode reply"}}`)
	}
	return data
}

// ServeNATS answers requests on agent.<agent_id> until ctx is done.
func (s *Server) ServeNATS(ctx context.Context, nc *nats.Conn) error {
	if s.agentID == "" {
		return fmt.Errorf("agent id is required to serve over NATS")
	}
	subject := protocol.Subject(s.agentID)

	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		reply := s.HandleRequest(ctx, m.Data)
		if m.Reply != "" {
			if err := m.Respond(reply); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to respond")
			}
			return
		}
		var req protocol.Request
		if json.Unmarshal(m.Data, &req) == nil && req.ReplyTo != "" {
			if err := nc.Publish(req.ReplyTo, reply); err != nil {
				s.logger.Warn().Err(err).Str("reply_to", req.ReplyTo).Msg("Failed to publish reply")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.logger.Info().Str("subject", subject).Msg("Serving agent requests")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}
