// Package a2a implements the agent-to-agent coordination layer: agent
// registry, distributed locks, event broker with resume tokens, conflict
// detection, and the WebSocket server/client pair that carries them.
package a2a

import (
	"fmt"
	"time"
)

// ErrorCode classifies every coordination failure on the wire.
type ErrorCode string

const (
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeLockFailed         ErrorCode = "LOCK_FAILED"
	CodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
	CodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidCapability  ErrorCode = "INVALID_CAPABILITY"
	CodeAgentNotRegistered ErrorCode = "AGENT_NOT_REGISTERED"
)

// recoverableCodes marks which codes a client may retry or recover from.
var recoverableCodes = map[ErrorCode]bool{
	CodeTimeout:          true,
	CodeRateLimited:      true,
	CodeLockFailed:       true,
	CodeConnectionClosed: true,
	CodeConflict:         true,
	CodeInternalError:    true,
}

// Recoverable reports the default recoverability of a code.
func Recoverable(code ErrorCode) bool {
	return recoverableCodes[code]
}

// Error is the wire error envelope.
type Error struct {
	Code          ErrorCode      `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Recoverable   bool           `json:"recoverable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a %s: %s", e.Code, e.Message)
}

// NewError builds an Error with the code's default recoverability.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Recoverable: Recoverable(code)}
}

// RecoveryAction is what a client should do about an error.
type RecoveryAction string

const (
	ActionRetry      RecoveryAction = "retry"
	ActionWait       RecoveryAction = "wait"
	ActionReconnect  RecoveryAction = "reconnect"
	ActionReregister RecoveryAction = "re-register"
	ActionAbort      RecoveryAction = "abort"
)

// RecoveryPolicy describes how a client recovers from one error code.
type RecoveryPolicy struct {
	Action     RecoveryAction
	BaseDelay  time.Duration
	MaxRetries int
}

// recoveryPolicies is the default client recovery table.
var recoveryPolicies = map[ErrorCode]RecoveryPolicy{
	CodeTimeout:            {Action: ActionRetry, BaseDelay: time.Second, MaxRetries: 3},
	CodeRateLimited:        {Action: ActionWait},
	CodeConnectionClosed:   {Action: ActionReconnect, MaxRetries: 10},
	CodeLockFailed:         {Action: ActionRetry, BaseDelay: 500 * time.Millisecond, MaxRetries: 5},
	CodeUnauthorized:       {Action: ActionReregister},
	CodeAgentNotRegistered: {Action: ActionReregister},
	CodeConflict:           {Action: ActionRetry, BaseDelay: 100 * time.Millisecond, MaxRetries: 3},
}

// PolicyFor returns the recovery policy for a code; unknown codes abort.
func PolicyFor(code ErrorCode) RecoveryPolicy {
	if p, ok := recoveryPolicies[code]; ok {
		return p
	}
	return RecoveryPolicy{Action: ActionAbort}
}

// Backoff returns the exponential delay before the attempt-th retry
// (0-based), doubling from the policy base.
func (p RecoveryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
