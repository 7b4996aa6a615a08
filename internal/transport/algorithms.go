package transport

import (
	"fmt"
	"slices"
	"strings"
)

const (
	KexCurve25519SHA256       = "curve25519-sha256"
	KexCurve25519SHA256LibSSH = "curve25519-sha256@libssh.org"
	KexECDHP256               = "ecdh-sha2-nistp256"
	KexECDHP384               = "ecdh-sha2-nistp384"
	KexECDHP521               = "ecdh-sha2-nistp521"
	KexDHGexSHA256            = "diffie-hellman-group-exchange-sha256"
	KexDHGroup16SHA512        = "diffie-hellman-group16-sha512"
	KexDHGroup14SHA256        = "diffie-hellman-group14-sha256"
	KexDHGroup14SHA1          = "diffie-hellman-group14-sha1"

	HostKeyEd25519   = "ssh-ed25519"
	HostKeyECDSA256  = "ecdsa-sha2-nistp256"
	HostKeyECDSA384  = "ecdsa-sha2-nistp384"
	HostKeyECDSA521  = "ecdsa-sha2-nistp521"
	HostKeyRSASHA512 = "rsa-sha2-512"
	HostKeyRSASHA256 = "rsa-sha2-256"
	HostKeyRSA       = "ssh-rsa"

	CipherChaCha20Poly1305 = "chacha20-poly1305@openssh.com"
	CipherAES128GCM        = "aes128-gcm@openssh.com"
	CipherAES256GCM        = "aes256-gcm@openssh.com"
	CipherAES128CTR        = "aes128-ctr"
	CipherAES192CTR        = "aes192-ctr"
	CipherAES256CTR        = "aes256-ctr"

	MACHMACSHA256ETM = "hmac-sha2-256-etm@openssh.com"
	MACHMACSHA512ETM = "hmac-sha2-512-etm@openssh.com"
	MACHMACSHA256    = "hmac-sha2-256"
	MACHMACSHA512    = "hmac-sha2-512"

	compressionNone = "none"
)

var (
	supportedKex      = []string{KexCurve25519SHA256, KexCurve25519SHA256LibSSH, KexECDHP256, KexECDHP384, KexECDHP521, KexDHGexSHA256, KexDHGroup16SHA512, KexDHGroup14SHA256, KexDHGroup14SHA1}
	supportedHostKeys = []string{HostKeyEd25519, HostKeyECDSA256, HostKeyECDSA384, HostKeyECDSA521, HostKeyRSASHA512, HostKeyRSASHA256, HostKeyRSA}
	supportedCiphers  = []string{CipherChaCha20Poly1305, CipherAES128GCM, CipherAES256GCM, CipherAES128CTR, CipherAES192CTR, CipherAES256CTR}
	supportedMACs     = []string{MACHMACSHA256ETM, MACHMACSHA512ETM, MACHMACSHA256, MACHMACSHA512}
)

// AlgorithmPreferences lists, in preference order, the algorithms offered in
// the client KEXINIT. Empty lists fall back to the supported defaults.
type AlgorithmPreferences struct {
	Kex      []string
	HostKeys []string
	Ciphers  []string
	MACs     []string
}

// Algorithms is the outcome of KEXINIT negotiation.
type Algorithms struct {
	Kex                string `json:"kex"`
	HostKey            string `json:"host_key"`
	CipherClientServer string `json:"cipher_client_server"`
	CipherServerClient string `json:"cipher_server_client"`
	MACClientServer    string `json:"mac_client_server,omitempty"`
	MACServerClient    string `json:"mac_server_client,omitempty"`
}

func SupportedKex() []string      { return slices.Clone(supportedKex) }
func SupportedHostKeys() []string { return slices.Clone(supportedHostKeys) }
func SupportedCiphers() []string  { return slices.Clone(supportedCiphers) }
func SupportedMACs() []string     { return slices.Clone(supportedMACs) }

func (p AlgorithmPreferences) withDefaults() AlgorithmPreferences {
	out := AlgorithmPreferences{
		Kex:      slices.Clone(p.Kex),
		HostKeys: slices.Clone(p.HostKeys),
		Ciphers:  slices.Clone(p.Ciphers),
		MACs:     slices.Clone(p.MACs),
	}
	if len(out.Kex) == 0 {
		out.Kex = SupportedKex()
	}
	if len(out.HostKeys) == 0 {
		out.HostKeys = SupportedHostKeys()
	}
	if len(out.Ciphers) == 0 {
		out.Ciphers = SupportedCiphers()
	}
	if len(out.MACs) == 0 {
		out.MACs = SupportedMACs()
	}
	return out
}

// Validate rejects algorithm names this transport cannot speak.
func (p AlgorithmPreferences) Validate() error {
	checks := []struct {
		what      string
		names     []string
		supported []string
	}{
		{"kex", p.Kex, supportedKex},
		{"host key", p.HostKeys, supportedHostKeys},
		{"cipher", p.Ciphers, supportedCiphers},
		{"mac", p.MACs, supportedMACs},
	}
	for _, check := range checks {
		for _, name := range check.names {
			if !slices.Contains(check.supported, name) {
				return fmt.Errorf("unsupported %s algorithm %q (supported: %s)", check.what, name, strings.Join(check.supported, ","))
			}
		}
	}
	return nil
}

func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		if slices.Contains(server, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no common %s algorithm (client: %s; server: %s)",
		ErrProtocolMismatch, what, strings.Join(client, ","), strings.Join(server, ","))
}

func negotiate(client, server *kexInitMsg) (Algorithms, error) {
	var (
		algs Algorithms
		err  error
	)
	if algs.Kex, err = findCommon("kex", client.KexAlgos, server.KexAlgos); err != nil {
		return Algorithms{}, err
	}
	if algs.HostKey, err = findCommon("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return Algorithms{}, err
	}
	if algs.CipherClientServer, err = findCommon("client-to-server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return Algorithms{}, err
	}
	if algs.CipherServerClient, err = findCommon("server-to-client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return Algorithms{}, err
	}
	// AEAD ciphers carry their own integrity; the MAC lists are ignored for them.
	if !cipherSpecs[algs.CipherClientServer].aead {
		if algs.MACClientServer, err = findCommon("client-to-server mac", client.MACsClientServer, server.MACsClientServer); err != nil {
			return Algorithms{}, err
		}
	}
	if !cipherSpecs[algs.CipherServerClient].aead {
		if algs.MACServerClient, err = findCommon("server-to-client mac", client.MACsServerClient, server.MACsServerClient); err != nil {
			return Algorithms{}, err
		}
	}
	if _, err = findCommon("client-to-server compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return Algorithms{}, err
	}
	if _, err = findCommon("server-to-client compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return Algorithms{}, err
	}
	return algs, nil
}

// hostKeyFormat maps a signature algorithm to the key type that produces it.
func hostKeyFormat(algo string) string {
	switch algo {
	case HostKeyRSASHA256, HostKeyRSASHA512:
		return HostKeyRSA
	default:
		return algo
	}
}
