// Package hostkey holds the host key policies a probe can run under.
package hostkey

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

type Policy string

const (
	// PolicyAccept records whatever key is presented. It is the default:
	// a probe never sends secrets, so an impostor host learns nothing.
	PolicyAccept Policy = "accept"
	PolicyPinned Policy = "pinned"
	PolicyStrict Policy = "strict"
	PolicyTOFU   Policy = "tofu"
)

var Policies = []Policy{PolicyAccept, PolicyPinned, PolicyStrict, PolicyTOFU}

var (
	ErrUnknownHost = errors.New("host is not in known_hosts")
	ErrKeyMismatch = errors.New("host key does not match known_hosts")
	ErrNotPinned   = errors.New("host key fingerprint is not pinned")
)

func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PolicyAccept, nil
	}
	for _, known := range Policies {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown host key policy %q (want accept, pinned, strict or tofu)", s)
}

// Verifier matches transport.HostKeyVerifier.
type Verifier interface {
	VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error
}

type Options struct {
	Policy         Policy
	KnownHostsFile string
	Pins           []string
	Logger         *slog.Logger
}

// New builds the verifier for opts.Policy.
func New(opts Options) (Verifier, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch opts.Policy {
	case PolicyAccept, "":
		return NewRecorder(logger), nil
	case PolicyPinned:
		return NewPinned(opts.Pins)
	case PolicyStrict:
		return NewKnownHosts(opts.KnownHostsFile, false, logger)
	case PolicyTOFU:
		return NewKnownHosts(opts.KnownHostsFile, true, logger)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", opts.Policy)
	}
}

// Info describes a host key for reports and logs.
type Info struct {
	Type      string `json:"type"`
	SHA256    string `json:"fingerprint_sha256"`
	MD5       string `json:"fingerprint_md5"`
	PublicKey string `json:"public_key"`
}

func Describe(key ssh.PublicKey) Info {
	if key == nil {
		return Info{}
	}
	return Info{
		Type:      key.Type(),
		SHA256:    ssh.FingerprintSHA256(key),
		MD5:       "MD5:" + ssh.FingerprintLegacyMD5(key),
		PublicKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
	}
}
