// Package auth probes the SSH user authentication layer without ever
// completing an authentication.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// PacketConn is an SSH transport positioned at the user authentication
// layer. *transport.Session implements it.
type PacketConn interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, payload []byte) error
}

// MethodNoneAccepted is reported in place of a method list when the server
// let the "none" request through.
const MethodNoneAccepted = "none-accepted"

// MethodSet is what a server said it would accept next.
type MethodSet struct {
	// Methods keeps the server's order.
	Methods        []string `json:"methods"`
	NoneAccepted   bool     `json:"none_accepted,omitempty"`
	PartialSuccess bool     `json:"partial_success,omitempty"`
	Banner         string   `json:"banner,omitempty"`
}

func (m MethodSet) Contains(method string) bool {
	return slices.Contains(m.Methods, method)
}

func (m MethodSet) String() string {
	return strings.Join(m.Methods, ",")
}

type Verdict int

const (
	Indeterminate Verdict = iota
	Accepted
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Indeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Reason explains an Indeterminate verdict.
type Reason string

const (
	ReasonPeerClosed           Reason = "peer-closed"
	ReasonPublicKeyUnavailable Reason = "publickey-unavailable"
	ReasonPartialSuccess       Reason = "partial-success"
	ReasonAcceptedWithoutProof Reason = "accepted-without-proof"
)

// Result is the outcome of a single publickey query.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Reason  Reason  `json:"reason,omitempty"`
	// Algorithm is the public key algorithm name the query used.
	Algorithm      string   `json:"algorithm"`
	Methods        []string `json:"methods,omitempty"`
	PartialSuccess bool     `json:"partial_success,omitempty"`
	Banner         string   `json:"banner,omitempty"`
}
