package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// DefaultRequestTimeout bounds one agent request when the caller sets none.
const DefaultRequestTimeout = 30 * time.Second

// Requester sends a request and waits for one reply. *nats.Conn satisfies it.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Dial connects to NATS, reconnecting forever.
func Dial(url string, logger zerolog.Logger) (*nats.Conn, error) {
	logger = logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name("cloudcheck"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSClient talks to one agent over NATS request/reply.
type NATSClient struct {
	conn    Requester
	agentID string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.AgentClient = (*NATSClient)(nil)

// NewNATSClient creates a client for agentID. A zero timeout means
// DefaultRequestTimeout.
func NewNATSClient(conn Requester, agentID string, timeout time.Duration, logger zerolog.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &NATSClient{
		conn:    conn,
		agentID: agentID,
		timeout: timeout,
		logger:  logger.With().Str("agent_id", agentID).Logger(),
	}
}

// ListMountedDisks calls list_disk.
func (c *NATSClient) ListMountedDisks(ctx context.Context) ([]string, error) {
	value, err := c.call(ctx, protocol.MethodListDisk)
	if err != nil {
		return nil, err
	}
	var cids []string
	if err := json.Unmarshal(value, &cids); err != nil {
		return nil, engine.NewPermanentError("malformed list_disk reply", err).
			WithCode(engine.ErrCodeAgentFailed).WithOperation(protocol.MethodListDisk)
	}
	if cids == nil {
		cids = []string{}
	}
	return cids, nil
}

// MountDisk calls mount_disk.
func (c *NATSClient) MountDisk(ctx context.Context, diskCID string) error {
	_, err := c.call(ctx, protocol.MethodMountDisk, diskCID)
	return err
}

// Ping calls ping.
func (c *NATSClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.MethodPing)
	return err
}

func (c *NATSClient) call(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	body, err := json.Marshal(protocol.Request{
		Method:    method,
		Arguments: args,
		ReplyTo:   "cloudcheck." + uuid.NewString(),
	})
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode agent request", err).
			WithCode(engine.ErrCodeInternal).WithOperation(method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := protocol.Subject(c.agentID)
	c.logger.Debug().Str("method", method).Str("subject", subject).Msg("Sending agent request")

	msg, err := c.conn.RequestWithContext(ctx, subject, body)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return nil, timeoutError(method, err)
		case errors.Is(err, nats.ErrNoResponders):
			return nil, engine.NewTransientError(fmt.Sprintf("no agent listening on %s", subject), err).
				WithCode(engine.ErrCodeAgentFailed).WithOperation(method)
		}
		return nil, transportError(method, err)
	}

	reply, err := protocol.DecodeReply(msg.Data)
	if err != nil {
		return nil, engine.NewPermanentError("malformed agent reply", err).
			WithCode(engine.ErrCodeAgentFailed).WithOperation(method)
	}
	if reply.Exception != nil {
		if reply.Exception.Unsupported() {
			return nil, unsupportedError(method)
		}
		return nil, remoteError(method, reply.Exception.Message, false)
	}
	return reply.Value, nil
}

// NATSResolver addresses each VM's agent by its agent id.
type NATSResolver struct {
	conn    Requester
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.AgentResolver = (*NATSResolver)(nil)

// NewNATSResolver creates a resolver over conn.
func NewNATSResolver(conn Requester, timeout time.Duration, logger zerolog.Logger) *NATSResolver {
	return &NATSResolver{conn: conn, timeout: timeout, logger: logger.With().Str("component", "agent").Logger()}
}

// ForVM returns a client for vm.AgentID.
func (r *NATSResolver) ForVM(_ context.Context, vm *stores.VM) (engine.AgentClient, error) {
	if vm == nil || vm.AgentID == "" {
		return nil, engine.NewPermanentError("vm has no agent id", nil).WithCode(engine.ErrCodeAgentFailed)
	}
	return NewNATSClient(r.conn, vm.AgentID, r.timeout, r.logger), nil
}
