package domain

import (
	"time"

	"market_edge/server/common/token"
)

// ProviderSession is the identity-provider credential as resolved from an
// incoming request. Its lifecycle is owned by the provider; the edge only
// reads it. Tokens is the backend pair embedded by the provider flow, if
// the flow produced one.
type ProviderSession struct {
	Subject   string     `json:"subject"`
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	Tokens    *token.Set `json:"tokens,omitempty"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

func (s *ProviderSession) HasTokens() bool {
	return s != nil && s.Tokens != nil && !s.Tokens.Empty()
}

// GateAction is the outcome of the edge gate decision for one request.
type GateAction int

const (
	GatePass GateAction = iota
	GateMirror
	GateRedirect
)

func (a GateAction) String() string {
	switch a {
	case GateMirror:
		return "mirror"
	case GateRedirect:
		return "redirect"
	default:
		return "pass"
	}
}
