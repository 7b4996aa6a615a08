package hostkey

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Pinned accepts only keys whose fingerprint is in a fixed set. Pins are
// "SHA256:<base64>" or MD5 in "MD5:aa:bb:..." or bare "aa:bb:..." form.
type Pinned struct {
	pins map[string]struct{}
}

func NewPinned(pins []string) (*Pinned, error) {
	if len(pins) == 0 {
		return nil, fmt.Errorf("pinned host key policy needs at least one fingerprint")
	}
	p := &Pinned{pins: make(map[string]struct{}, len(pins))}
	for _, raw := range pins {
		pin, err := normalizePin(raw)
		if err != nil {
			return nil, err
		}
		p.pins[pin] = struct{}{}
	}
	return p, nil
}

func normalizePin(raw string) (string, error) {
	pin := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(pin, "SHA256:") && len(pin) > len("SHA256:"):
		return pin, nil
	case strings.HasPrefix(strings.ToUpper(pin), "MD5:"):
		pin = pin[len("MD5:"):]
	}
	if len(strings.Split(pin, ":")) == 16 {
		return "MD5:" + strings.ToLower(pin), nil
	}
	return "", fmt.Errorf("invalid host key fingerprint %q (want SHA256:... or MD5:aa:bb:...)", raw)
}

func (p *Pinned) VerifyHostKey(hostname string, _ net.Addr, key ssh.PublicKey) error {
	sha := ssh.FingerprintSHA256(key)
	if _, ok := p.pins[sha]; ok {
		return nil
	}
	if _, ok := p.pins["MD5:"+ssh.FingerprintLegacyMD5(key)]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s presented %s %s", ErrNotPinned, hostname, key.Type(), sha)
}
