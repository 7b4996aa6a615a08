package auth

import (
	"crypto/elliptic"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/manfred-kaiser/ssh-mitm/internal/pubkey"
	"github.com/manfred-kaiser/ssh-mitm/internal/testutil"
	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

func openSession(t *testing.T, srv *testutil.SSHServer) *transport.Session {
	t.Helper()
	s, err := transport.Open(t.Context(), transport.Target{
		Host:           srv.Host,
		Port:           srv.Port,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}, transport.Options{
		HostKeyVerifier: transport.HostKeyVerifierFunc(func(string, net.Addr, ssh.PublicKey) error { return nil }),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServerListMethods(t *testing.T) {
	t.Parallel()

	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{
		PasswordCallback:  testutil.RejectAll,
		PublicKeyCallback: testutil.AuthorizedKeys(),
	})
	methods, err := ListMethods(t.Context(), openSession(t, srv), "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"publickey", "password"}, methods.Methods)
	require.Equal(t, []string{DefaultEnumerationUser}, srv.Users())
}

func TestServerListMethodsNoneAccepted(t *testing.T) {
	t.Parallel()

	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{NoClientAuth: true})
	methods, err := ListMethods(t.Context(), openSession(t, srv), "guest")
	require.NoError(t, err)
	require.True(t, methods.NoneAccepted)
	require.Equal(t, []string{MethodNoneAccepted}, methods.Methods)
}

func TestServerListMethodsBanner(t *testing.T) {
	t.Parallel()

	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{
		PasswordCallback: testutil.RejectAll,
		BannerCallback:   func(ssh.ConnMetadata) string { return "Authorized use only.\n" },
	})
	methods, err := ListMethods(t.Context(), openSession(t, srv), "")
	require.NoError(t, err)
	require.Equal(t, "Authorized use only.\n", methods.Banner)
	require.Equal(t, []string{"password"}, methods.Methods)
}

func TestServerCheckPublicKey(t *testing.T) {
	t.Parallel()

	authorized := testutil.NewEd25519Signer(t)
	rsaAuthorized := testutil.NewRSASigner(t)
	ecdsaAuthorized := testutil.NewECDSASigner(t, elliptic.P256())
	stranger := testutil.NewEd25519Signer(t)

	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{
		PublicKeyCallback: testutil.AuthorizedKeys(authorized.PublicKey(), rsaAuthorized.PublicKey(), ecdsaAuthorized.PublicKey()),
	})

	cases := []struct {
		name      string
		key       ssh.PublicKey
		verdict   Verdict
		algorithm string
	}{
		{name: "ed25519 accepted", key: authorized.PublicKey(), verdict: Accepted, algorithm: ssh.KeyAlgoED25519},
		{name: "rsa accepted with sha2", key: rsaAuthorized.PublicKey(), verdict: Accepted, algorithm: ssh.KeyAlgoRSASHA512},
		{name: "ecdsa accepted", key: ecdsaAuthorized.PublicKey(), verdict: Accepted, algorithm: ssh.KeyAlgoECDSA256},
		{name: "unknown key rejected", key: stranger.PublicKey(), verdict: Rejected, algorithm: ssh.KeyAlgoED25519},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := CheckPublicKey(t.Context(), openSession(t, srv), "alice", pubkey.FromPublicKey(tc.key, ""))
			require.NoError(t, err)
			require.Equal(t, tc.verdict, result.Verdict)
			require.Equal(t, tc.algorithm, result.Algorithm)
		})
	}
}

func TestServerCheckPublicKeyWithoutPublicKeyMethod(t *testing.T) {
	t.Parallel()

	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{
		PasswordCallback: testutil.RejectAll,
		KeyboardInteractiveCallback: func(ssh.ConnMetadata, ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			return nil, ssh.ErrNoAuth
		},
	})
	result, err := CheckPublicKey(t.Context(), openSession(t, srv), "alice", testKey(t))
	require.NoError(t, err)
	require.Equal(t, Indeterminate, result.Verdict)
	require.Equal(t, ReasonPublicKeyUnavailable, result.Reason)
	require.ElementsMatch(t, []string{"password", "keyboard-interactive"}, result.Methods)
}

func TestServerClosesOnPublicKey(t *testing.T) {
	t.Parallel()

	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{CloseOnPublicKey: true})
	result, err := CheckPublicKey(t.Context(), openSession(t, srv), "alice", testKey(t))
	require.NoError(t, err)
	require.Equal(t, Indeterminate, result.Verdict)
	require.Equal(t, ReasonPeerClosed, result.Reason)
}
