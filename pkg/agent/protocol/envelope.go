package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Methods understood by agents addressed over NATS.
const (
	MethodListDisk  = "list_disk"
	MethodMountDisk = "mount_disk"
	MethodPing      = "ping"
)

// Request is the JSON body published to agent.<agent_id>.
type Request struct {
	Method    string        `json:"method"`
	Arguments []interface{} `json:"arguments"`
	ReplyTo   string        `json:"reply_to"`
}

// Reply is the JSON body an agent answers with. Exactly one of Value and
// Exception is set.
type Reply struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Exception *Exception      `json:"exception,omitempty"`
}

// Exception describes a failed agent method.
type Exception struct {
	Message string `json:"message"`
}

func (e *Exception) Error() string {
	return e.Message
}

// Unsupported reports whether the agent rejected the method as unknown.
func (e *Exception) Unsupported() bool {
	return e != nil && strings.HasPrefix(e.Message, "unknown message")
}

// UnknownMethod builds the exception an agent returns for a method it
// does not implement.
func UnknownMethod(method string) *Exception {
	return &Exception{Message: fmt.Sprintf("unknown message %s", method)}
}

// DecodeReply parses a reply body.
func DecodeReply(data []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if r.Exception == nil && r.Value == nil {
		return nil, fmt.Errorf("reply has neither value nor exception")
	}
	return &r, nil
}

// SubjectPrefix prefixes the NATS subject of every agent.
const SubjectPrefix = "agent."

// Subject returns the NATS subject addressing agentID.
func Subject(agentID string) string {
	return SubjectPrefix + agentID
}
