package pubkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/manfred-kaiser/ssh-mitm/internal/testutil"
)

func ed25519Line(t *testing.T, comment string) (string, ssh.PublicKey) {
	t.Helper()
	signer := testutil.NewEd25519Signer(t)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if comment != "" {
		line += " " + comment
	}
	return line, signer.PublicKey()
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	rsaLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(testutil.NewRSASigner(t).PublicKey()))) + " deploy@ci"
	edLine, _ := ed25519Line(t, "alice@laptop")
	bareLine, _ := ed25519Line(t, "")

	for _, line := range []string{rsaLine, edLine, bareLine} {
		m, err := Parse([]byte(line + "\n"))
		require.NoError(t, err)
		require.Equal(t, line, m.String())
	}
}

func TestParseFields(t *testing.T) {
	t.Parallel()

	line, key := ed25519Line(t, "alice@laptop")
	m, err := Parse([]byte(line))
	require.NoError(t, err)

	require.Equal(t, ssh.KeyAlgoED25519, m.Algorithm)
	require.Equal(t, key.Marshal(), m.Blob)
	require.Equal(t, "alice@laptop", m.Comment)
	require.False(t, m.Certificate)
	require.False(t, m.IsRSA())
	require.Equal(t, ssh.FingerprintSHA256(key), m.Fingerprint())

	parsed, err := m.PublicKey()
	require.NoError(t, err)
	require.Equal(t, key.Marshal(), parsed.Marshal())
}

func TestParseCommentMentioningPrivateKey(t *testing.T) {
	t.Parallel()

	line, key := ed25519Line(t, "my PRIVATE KEY backup")
	m, err := Parse([]byte(line))
	require.NoError(t, err)
	require.Equal(t, key.Marshal(), m.Blob)
	require.Equal(t, "my PRIVATE KEY backup", m.Comment)
}

func TestParseAuthorizedKeysOptions(t *testing.T) {
	t.Parallel()

	line, _ := ed25519Line(t, "backup")
	m, err := Parse([]byte(`# managed by ansible` + "\n" + `no-pty,from="10.0.0.0/8" ` + line))
	require.NoError(t, err)
	require.Equal(t, []string{"no-pty", `from="10.0.0.0/8"`}, m.Options)
	require.Equal(t, `no-pty,from="10.0.0.0/8" `+line, m.String())
}

func TestParseRFC4716(t *testing.T) {
	t.Parallel()

	_, key := ed25519Line(t, "")
	encoded := base64.StdEncoding.EncodeToString(key.Marshal())
	var body strings.Builder
	for len(encoded) > 20 {
		body.WriteString(encoded[:20] + "\n")
		encoded = encoded[20:]
	}
	body.WriteString(encoded + "\n")

	text := "---- BEGIN SSH2 PUBLIC KEY ----\n" +
		"Comment: \"256-bit ED25519, converted by alice@laptop \\\n" +
		"from OpenSSH\"\n" +
		"x-command: none\n" +
		body.String() +
		"---- END SSH2 PUBLIC KEY ----\n"

	m, err := Parse([]byte(text))
	require.NoError(t, err)
	require.Equal(t, ssh.KeyAlgoED25519, m.Algorithm)
	require.Equal(t, key.Marshal(), m.Blob)
	require.Equal(t, "256-bit ED25519, converted by alice@laptop from OpenSSH", m.Comment)
}

func TestParseCertificate(t *testing.T) {
	t.Parallel()

	ca := testutil.NewEd25519Signer(t)
	userKey := testutil.NewRSASigner(t)
	cert := &ssh.Certificate{
		Key:             userKey.PublicKey(),
		CertType:        ssh.UserCert,
		KeyId:           "alice",
		ValidPrincipals: []string{"alice"},
		ValidBefore:     ssh.CertTimeInfinity,
	}
	require.NoError(t, cert.SignCert(rand.Reader, ca))

	m, err := Parse(ssh.MarshalAuthorizedKey(cert))
	require.NoError(t, err)
	require.True(t, m.Certificate)
	require.Equal(t, ssh.CertAlgoRSAv01, m.Algorithm)
	require.Equal(t, ssh.KeyAlgoRSA, m.KeyType)
	require.True(t, m.IsRSA())
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	privatePEM := pem.EncodeToMemory(block)

	lineA, _ := ed25519Line(t, "a")
	lineB, _ := ed25519Line(t, "b")

	cases := map[string]string{
		"empty":        "",
		"whitespace":   " \n\t\n",
		"private key":  string(privatePEM),
		"bad base64":   "ssh-ed25519 !!!notbase64!!! x",
		"unknown type": "ssh-foo AAAAB3NzaC1yc2E= x",
		"two keys":     lineA + "\n" + lineB + "\n",
		"unterminated": "---- BEGIN SSH2 PUBLIC KEY ----\nAAAA\n",
		"rfc4716 junk": "---- BEGIN SSH2 PUBLIC KEY ----\n!!!!\n---- END SSH2 PUBLIC KEY ----\n",
	}
	cases["private key after comment"] = "# laptop\n" + string(privatePEM)
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(input))
			require.ErrorIs(t, err, ErrKeyParse)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	line, _ := ed25519Line(t, "alice@laptop")
	good := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(good, []byte(line+"\n"), 0o600))

	m, err := ReadFile(good)
	require.NoError(t, err)
	require.Equal(t, line, m.String())

	bad := filepath.Join(dir, "garbage.pub")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0o600))
	_, err = ReadFile(bad)
	require.ErrorIs(t, err, ErrKeyParse)
	require.ErrorContains(t, err, bad)

	_, err = ReadFile(filepath.Join(dir, "missing.pub"))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NotErrorIs(t, err, ErrKeyParse)
}
