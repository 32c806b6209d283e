// Package agent provides engine.AgentClient implementations: a NATS
// request/reply client and a stdio client driving an agent process
// started over SSH. Resolvers map a VM record to its client.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

func unsupportedError(method string) error {
	return engine.NewPermanentError(fmt.Sprintf("agent does not implement %s", method), engine.ErrAgentUnsupported).
		WithCode(engine.ErrCodeUnsupported).
		WithOperation(method)
}

func timeoutError(method string, err error) error {
	return engine.NewTransientError("agent did not answer in time", err).
		WithCode(engine.ErrCodeTimeout).
		WithOperation(method)
}

func transportError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(method, err)
	}
	return engine.NewTransientError("agent request failed", err).
		WithCode(engine.ErrCodeAgentFailed).
		WithOperation(method)
}

func remoteError(method, message string, retryable bool) error {
	if retryable {
		return engine.NewTransientError(message, nil).
			WithCode(engine.ErrCodeAgentFailed).
			WithOperation(method)
	}
	return engine.NewPermanentError(message, nil).
		WithCode(engine.ErrCodeAgentFailed).
		WithOperation(method)
}
