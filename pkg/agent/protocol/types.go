// Package protocol defines the wire formats spoken by the VM agent: a
// newline-delimited JSON stream used over SSH sessions and the JSON
// request/reply envelope used over NATS.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the stdio protocol version announced in READY.
const Version = "1.0"

// MessageType represents the type of a stdio message.
type MessageType string

const (
	// MessageTypeReady is sent once by the agent when it accepts commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand is a request from the checker
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeDone carries a successful command result
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError carries a failed command
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the agent terminates
	MessageTypeExit MessageType = "EXIT"
)

// CommandType names a command understood by the agent.
type CommandType string

const (
	// CommandTypePing checks that the agent answers
	CommandTypePing CommandType = "ping"
	// CommandTypeListMounted lists disk CIDs the agent has mounted
	CommandTypeListMounted CommandType = "disks.list_mounted"
	// CommandTypeMount mounts an attached disk
	CommandTypeMount CommandType = "disks.mount"
)

// Error codes carried in ErrorMessage.Code.
const (
	ErrCodeUnsupported   = "UNSUPPORTED"
	ErrCodeInvalidParams = "INVALID_PARAMS"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeFailed        = "COMMAND_FAILED"
)

// Message is the envelope of every stdio line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the agent and the commands it implements.
type ReadyMessage struct {
	Version  string            `json:"version"`
	AgentID  string            `json:"agent_id,omitempty"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the agent announced the command.
func (r *ReadyMessage) Supports(ct CommandType) bool {
	return r != nil && r.Caps[string(ct)]
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates a command failed.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// MountParams are the parameters of disks.mount.
type MountParams struct {
	DiskCID string `json:"disk_cid"`
}

// ListMountedResult is the result of disks.list_mounted.
type ListMountedResult struct {
	DiskCIDs []string `json:"disk_cids"`
}

// MountResult is the result of disks.mount.
type MountResult struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	Changed    bool   `json:"changed"`
}

// PingResult is the result of ping.
type PingResult struct {
	Status string `json:"status"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeDone,
		MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypePing, CommandTypeListMounted, CommandTypeMount:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid. Unknown command types
// are accepted here so the agent can answer them with UNSUPPORTED.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if cmd.Type == "" {
		return fmt.Errorf("command type is required")
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Validate checks the mount parameters.
func (p *MountParams) Validate() error {
	if p.DiskCID == "" {
		return fmt.Errorf("disk_cid is required")
	}
	return nil
}
