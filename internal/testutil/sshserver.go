// Package testutil runs throwaway SSH servers on loopback for tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type SSHServerOptions struct {
	NoClientAuth                bool
	PasswordCallback            func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error)
	PublicKeyCallback           func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)
	KeyboardInteractiveCallback func(ssh.ConnMetadata, ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error)
	BannerCallback              func(ssh.ConnMetadata) string
	// HostKeys defaults to a fresh ed25519 key.
	HostKeys []ssh.Signer
	// CloseOnPublicKey drops the TCP connection as soon as a publickey
	// request arrives.
	CloseOnPublicKey bool
	Configure        func(*ssh.ServerConfig)
}

type SSHServer struct {
	Addr     string
	Host     string
	Port     int
	HostKeys []ssh.PublicKey

	mu          sync.Mutex
	users       []string
	publicKeys  [][]byte
	connections int
}

// Users lists the username of every logged authentication attempt, in order.
// A publickey query the server accepts is not logged; see PublicKeys.
func (s *SSHServer) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

// PublicKeys lists the marshaled keys offered in publickey requests.
func (s *SSHServer) PublicKeys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.publicKeys...)
}

func (s *SSHServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *SSHServer) recordUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, user)
}

func (s *SSHServer) recordKey(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys = append(s.publicKeys, key.Marshal())
}

// StartSSHServer serves SSH on 127.0.0.1 until the test ends. Every
// connection gets its own server config so callbacks can see the socket.
func StartSSHServer(t *testing.T, opts SSHServerOptions) *SSHServer {
	t.Helper()

	hostKeys := opts.HostKeys
	if len(hostKeys) == 0 {
		hostKeys = []ssh.Signer{NewEd25519Signer(t)}
	}

	srv := &SSHServer{}
	for _, signer := range hostKeys {
		srv.HostKeys = append(srv.HostKeys, signer.PublicKey())
	}

	newConfig := func(c net.Conn) *ssh.ServerConfig {
		cfg := &ssh.ServerConfig{
			NoClientAuth:     opts.NoClientAuth,
			BannerCallback:   opts.BannerCallback,
			PasswordCallback: opts.PasswordCallback,
			AuthLogCallback: func(meta ssh.ConnMetadata, _ string, _ error) {
				srv.recordUser(meta.User())
			},
		}
		if opts.PublicKeyCallback != nil || opts.CloseOnPublicKey {
			cfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
				srv.recordKey(key)
				if opts.CloseOnPublicKey {
					_ = c.Close()
					return nil, errors.New("connection dropped")
				}
				return opts.PublicKeyCallback(meta, key)
			}
		}
		cfg.KeyboardInteractiveCallback = opts.KeyboardInteractiveCallback
		for _, signer := range hostKeys {
			cfg.AddHostKey(signer)
		}
		if opts.Configure != nil {
			opts.Configure(cfg)
		}
		return cfg
	}

	srv.Addr = StartRawServer(t, func(c net.Conn) {
		srv.mu.Lock()
		srv.connections++
		srv.mu.Unlock()

		conn, chans, reqs, err := ssh.NewServerConn(c, newConfig(c))
		if err != nil {
			return
		}
		defer conn.Close()
		go ssh.DiscardRequests(reqs)
		for ch := range chans {
			_ = ch.Reject(ssh.Prohibited, "no channels")
		}
	})

	host, port, err := net.SplitHostPort(srv.Addr)
	require.NoError(t, err)
	srv.Host = host
	srv.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return srv
}

// StartRawServer accepts TCP connections on 127.0.0.1 and hands each one to
// handler on its own goroutine. The connection is closed when handler
// returns. It returns the listen address.
func StartRawServer(t *testing.T, handler func(net.Conn)) string {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []net.Conn
	)
	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Go(func() {
				defer c.Close()
				handler(c)
			})
		}
	})

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return ln.Addr().String()
}

// SplitAddr splits a loopback address returned by the Start helpers.
func SplitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portText, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	return host, port
}

// AuthorizedKeys returns a PublicKeyCallback accepting exactly keys.
func AuthorizedKeys(keys ...ssh.PublicKey) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	return func(_ ssh.ConnMetadata, offered ssh.PublicKey) (*ssh.Permissions, error) {
		for _, key := range keys {
			if bytes.Equal(key.Marshal(), offered.Marshal()) {
				return &ssh.Permissions{}, nil
			}
		}
		return nil, errors.New("unknown public key")
	}
}

// RejectAll is a PasswordCallback that never succeeds.
func RejectAll(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return nil, errors.New("password rejected")
}

func NewEd25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func NewRSASigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func NewECDSASigner(t *testing.T, curve elliptic.Curve) ssh.Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}
