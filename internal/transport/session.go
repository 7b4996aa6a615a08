package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultClientSoftware = "ssh-mitm-audit"

	maxVersionLineLength = 255
	maxPreBannerLines    = 32
	closeWriteTimeout    = time.Second
	maxSkippedMessages   = 64
	maxExtInfoMessages   = 2
)

// HostKeyVerifier decides whether the host key presented during key
// exchange is acceptable. hostname is in host:port form.
type HostKeyVerifier interface {
	VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error
}

type HostKeyVerifierFunc func(hostname string, remote net.Addr, key ssh.PublicKey) error

func (f HostKeyVerifierFunc) VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return f(hostname, remote, key)
}

type Target struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

type Options struct {
	HostKeyVerifier HostKeyVerifier
	// ClientSoftware is the softwareversion part of the identification
	// string sent to the server.
	ClientSoftware string
	Algorithms     AlgorithmPreferences
	Logger         *slog.Logger
	Rand           io.Reader
	// DialContext replaces net.Dialer.DialContext when set.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Session is a handshaken, not yet authenticated SSH transport. It is owned
// by a single probe and must be closed by its owner. Apart from Close it is
// not safe for concurrent use.
type Session struct {
	conn        net.Conn
	buf         *bufio.Reader
	state       stateMachine
	addr        string
	readTimeout time.Duration
	rand        io.Reader
	logger      *slog.Logger

	reader   packetCipher
	writer   packetCipher
	readSeq  uint32
	writeSeq uint32

	clientVersion string
	serverVersion string
	sessionID     []byte
	hostKey       ssh.PublicKey
	algorithms    Algorithms
	serverSigAlgs []string

	closeOnce sync.Once
	closeErr  error
}

// Open dials target, runs version exchange and key exchange, verifies the
// host key and requests the ssh-userauth service. The returned Session has
// made no authentication attempt. Open does not retry.
func Open(ctx context.Context, target Target, opts Options) (*Session, error) {
	addr := target.Addr()
	if opts.HostKeyVerifier == nil {
		return nil, fmt.Errorf("ssh connect %s: host key verifier is required", addr)
	}
	if err := opts.Algorithms.Validate(); err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", addr, err)
	}
	clientVersion, err := identification(opts.ClientSoftware)
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", addr, err)
	}

	connectTimeout := target.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	readTimeout := target.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	random := opts.Rand
	if random == nil {
		random = rand.Reader
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	dial := opts.DialContext
	if dial == nil {
		dialer := &net.Dialer{Timeout: connectTimeout}
		dial = dialer.DialContext
	}
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Kind: ErrNetworkUnreachable, Err: err}
	}

	s := &Session{
		conn:          conn,
		buf:           bufio.NewReader(conn),
		addr:          addr,
		readTimeout:   readTimeout,
		rand:          random,
		logger:        logger.With("addr", addr),
		reader:        plainCipher{},
		writer:        plainCipher{},
		clientVersion: clientVersion,
	}
	if err := s.handshake(ctx, opts.Algorithms.withDefaults(), opts.HostKeyVerifier); err != nil {
		_ = s.Close()
		return nil, &ConnectError{Addr: addr, Kind: handshakeKind(err), Err: err}
	}
	return s, nil
}

func identification(software string) (string, error) {
	if software == "" {
		software = DefaultClientSoftware
	}
	if strings.ContainsAny(software, " \r\n") || len(software) > maxVersionLineLength-len("SSH-2.0-")-2 {
		return "", fmt.Errorf("invalid client software version %q", software)
	}
	return "SSH-2.0-" + software, nil
}

func handshakeKind(err error) error {
	switch {
	case errors.Is(err, ErrProtocolMismatch):
		return ErrProtocolMismatch
	case errors.Is(err, ErrHostKeyRejected):
		return ErrHostKeyRejected
	default:
		return ErrHandshakeFailed
	}
}

func (s *Session) handshake(ctx context.Context, prefs AlgorithmPreferences, verifier HostKeyVerifier) error {
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	if err := s.exchangeVersions(ctx); err != nil {
		return err
	}
	if err := s.keyExchange(ctx, prefs, verifier); err != nil {
		return err
	}
	return s.requestUserAuth(ctx)
}

// interrupt unblocks any pending I/O after the caller's context is done.
func (s *Session) interrupt() {
	_ = s.conn.SetDeadline(time.Unix(1, 0))
}

func (s *Session) setDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.readTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return err
	}
	// Cancellation may have landed between the check and the new deadline.
	if err := ctx.Err(); err != nil {
		s.interrupt()
		return err
	}
	return nil
}

// ioError prefers the context error when a forced deadline caused err.
func ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (s *Session) exchangeVersions(ctx context.Context) error {
	if err := s.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := io.WriteString(s.conn, s.clientVersion+"\r\n"); err != nil {
		return ioError(ctx, fmt.Errorf("send identification: %w", err))
	}

	sawLines := 0
	for sawLines < maxPreBannerLines {
		line, err := readVersionLine(s.buf)
		if err != nil {
			if foreignLine(line) && !errors.Is(err, ErrProtocolMismatch) {
				return fmt.Errorf("%w: unterminated non-SSH line %q: %w", ErrProtocolMismatch, line, err)
			}
			if sawLines > 0 && !errors.Is(err, ErrProtocolMismatch) {
				return fmt.Errorf("%w: no SSH identification after %d lines: %w", ErrProtocolMismatch, sawLines, err)
			}
			return ioError(ctx, fmt.Errorf("read identification: %w", err))
		}
		sawLines++
		if !strings.HasPrefix(line, "SSH-") {
			continue
		}
		if !strings.HasPrefix(line, "SSH-2.0-") && !strings.HasPrefix(line, "SSH-1.99-") {
			return fmt.Errorf("%w: unsupported protocol version %q", ErrProtocolMismatch, line)
		}
		s.serverVersion = line
		s.logger.Debug("ssh version exchanged", "server_version", line)
		return s.state.advance(StateVersionExchanged)
	}
	return fmt.Errorf("%w: no SSH identification in first %d lines", ErrProtocolMismatch, maxPreBannerLines)
}

// readVersionLine reads one CR LF or LF terminated line. On a read error it
// returns whatever part of the line had arrived.
func readVersionLine(r *bufio.Reader) (string, error) {
	line := make([]byte, 0, 64)
	for len(line) <= maxVersionLineLength {
		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}
		if b == '\n' {
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		line = append(line, b)
	}
	return "", fmt.Errorf("%w: identification line longer than %d bytes", ErrProtocolMismatch, maxVersionLineLength)
}

// foreignLine reports whether a partial line already rules out an SSH
// identification.
func foreignLine(partial string) bool {
	if partial == "" {
		return false
	}
	if len(partial) < len("SSH-") {
		return !strings.HasPrefix("SSH-", partial)
	}
	return !strings.HasPrefix(partial, "SSH-")
}

func (s *Session) keyExchange(ctx context.Context, prefs AlgorithmPreferences, verifier HostKeyVerifier) error {
	if err := s.state.advance(StateKeyExchange); err != nil {
		return err
	}

	clientInit := &kexInitMsg{
		KexAlgos:                slices.Concat(prefs.Kex, []string{extInfoClient}),
		ServerHostKeyAlgos:      prefs.HostKeys,
		CiphersClientServer:     prefs.Ciphers,
		CiphersServerClient:     prefs.Ciphers,
		MACsClientServer:        prefs.MACs,
		MACsServerClient:        prefs.MACs,
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}
	if _, err := io.ReadFull(s.rand, clientInit.Cookie[:]); err != nil {
		return fmt.Errorf("generate kexinit cookie: %w", err)
	}
	clientInitPacket := ssh.Marshal(clientInit)
	if err := s.setDeadline(ctx); err != nil {
		return err
	}
	if err := s.writePacket(ctx, clientInitPacket); err != nil {
		return err
	}

	serverInitPacket, err := s.expect(ctx, msgKexInit)
	if err != nil {
		return err
	}
	var serverInit kexInitMsg
	if err := ssh.Unmarshal(serverInitPacket, &serverInit); err != nil {
		return fmt.Errorf("%w: parse server kexinit: %v", ErrHandshakeFailed, err)
	}

	clientInit.KexAlgos = prefs.Kex
	algs, err := negotiate(clientInit, &serverInit)
	if err != nil {
		return err
	}
	s.logger.Debug("ssh algorithms negotiated",
		"kex", algs.Kex, "host_key_algorithm", algs.HostKey,
		"cipher", algs.CipherClientServer, "mac", algs.MACClientServer)

	if serverInit.FirstKexFollows && !guessedRight(&serverInit, algs) {
		if _, err := s.readPacket(ctx); err != nil {
			return err
		}
	}

	spec := kexSpecs[algs.Kex]
	result, err := spec.method.run(ctx, s, s.rand, spec.newHash, kexMagics{
		ClientVersion: s.clientVersion,
		ServerVersion: s.serverVersion,
		ClientKexInit: clientInitPacket,
		ServerKexInit: serverInitPacket,
	})
	if err != nil {
		return err
	}
	exchange := result.exchange

	hostKey, err := ssh.ParsePublicKey(result.hostKey)
	if err != nil {
		return fmt.Errorf("%w: parse host key: %v", ErrHandshakeFailed, err)
	}
	if err := verifyHostKeySignature(algs.HostKey, hostKey, exchange, result.signature); err != nil {
		return err
	}
	if err := verifier.VerifyHostKey(s.addr, s.conn.RemoteAddr(), hostKey); err != nil {
		return fmt.Errorf("%w: %w", ErrHostKeyRejected, err)
	}

	s.hostKey = hostKey
	s.algorithms = algs
	s.sessionID = exchange
	keys := deriveSessionKeys(spec.newHash, encodeSecret(result.secret), exchange, s.sessionID, algs)

	if err := s.setDeadline(ctx); err != nil {
		return err
	}
	if err := s.writePacket(ctx, []byte{msgNewKeys}); err != nil {
		return err
	}
	writer, err := newPacketCipher(algs.CipherClientServer, algs.MACClientServer, keys.clientToServer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.writer = writer

	if _, err := s.expect(ctx, msgNewKeys); err != nil {
		return err
	}
	reader, err := newPacketCipher(algs.CipherServerClient, algs.MACServerClient, keys.serverToClient)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.reader = reader
	return nil
}

func guessedRight(server *kexInitMsg, algs Algorithms) bool {
	return len(server.KexAlgos) > 0 && server.KexAlgos[0] == algs.Kex &&
		len(server.ServerHostKeyAlgos) > 0 && server.ServerHostKeyAlgos[0] == algs.HostKey
}

func (s *Session) requestUserAuth(ctx context.Context) error {
	if err := s.state.advance(StateServiceRequest); err != nil {
		return err
	}
	if err := s.setDeadline(ctx); err != nil {
		return err
	}
	if err := s.writePacket(ctx, ssh.Marshal(&serviceRequestMsg{Service: serviceUserAuth})); err != nil {
		return err
	}
	for {
		packet, err := s.readPacket(ctx)
		if err != nil {
			return err
		}
		switch packet[0] {
		case msgExtInfo:
			if err := s.handleExtInfo(packet); err != nil {
				return err
			}
		case msgServiceAccept:
			var accept serviceAcceptMsg
			if err := ssh.Unmarshal(packet, &accept); err != nil {
				return fmt.Errorf("%w: parse service accept: %v", ErrHandshakeFailed, err)
			}
			if accept.Service != serviceUserAuth {
				return fmt.Errorf("%w: server accepted service %q", ErrHandshakeFailed, accept.Service)
			}
			return s.state.advance(StateUserAuth)
		default:
			return fmt.Errorf("%w: %w: message %d while waiting for service accept", ErrHandshakeFailed, ErrUnexpectedMessage, packet[0])
		}
	}
}

func (s *Session) handleExtInfo(packet []byte) error {
	exts, err := parseExtInfo(packet)
	if err != nil {
		return err
	}
	if algs, ok := exts[extServerSigAlgs]; ok {
		s.serverSigAlgs = strings.Split(string(algs), ",")
		s.logger.Debug("server signature algorithms", "server_sig_algs", string(algs))
	}
	return nil
}

func (s *Session) expect(ctx context.Context, msgType byte) ([]byte, error) {
	packet, err := s.readPacket(ctx)
	if err != nil {
		return nil, err
	}
	if packet[0] != msgType {
		return nil, fmt.Errorf("%w: %w: got message %d, want %d", ErrHandshakeFailed, ErrUnexpectedMessage, packet[0], msgType)
	}
	return packet, nil
}

// writePacket and readPacket run under the deadline set by setDeadline at
// the start of the current exchange.
func (s *Session) writePacket(ctx context.Context, payload []byte) error {
	packet, err := s.writer.seal(s.writeSeq, payload, s.rand)
	if err != nil {
		return err
	}
	s.writeSeq++
	if _, err := s.conn.Write(packet); err != nil {
		return ioError(ctx, err)
	}
	return nil
}

// readPacket returns the next payload, skipping at most maxSkippedMessages
// IGNORE and DEBUG messages and turning DISCONNECT into a *DisconnectError.
func (s *Session) readPacket(ctx context.Context) ([]byte, error) {
	for skipped := 0; ; skipped++ {
		if skipped > maxSkippedMessages {
			return nil, fmt.Errorf("%w: more than %d ignore or debug messages", ErrUnexpectedMessage, maxSkippedMessages)
		}
		packet, err := s.reader.open(s.readSeq, s.buf)
		if err != nil {
			return nil, ioError(ctx, err)
		}
		s.readSeq++
		switch packet[0] {
		case msgIgnore, msgDebug:
			continue
		case msgDisconnect:
			return nil, parseDisconnect(packet)
		case msgUnimplemented:
			return nil, fmt.Errorf("%w: peer sent SSH_MSG_UNIMPLEMENTED", ErrUnexpectedMessage)
		}
		return packet, nil
	}
}

// ReadPacket returns the next user-authentication payload from the server.
// It blocks for at most the read timeout or until ctx is done, however many
// messages the server sends in between.
func (s *Session) ReadPacket(ctx context.Context) ([]byte, error) {
	if err := s.state.require(StateUserAuth); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()
	if err := s.setDeadline(ctx); err != nil {
		return nil, err
	}
	for extInfos := 0; ; {
		packet, err := s.readPacket(ctx)
		if err != nil {
			return nil, err
		}
		switch packet[0] {
		case msgExtInfo:
			// RFC 8308 allows a second EXT_INFO only before USERAUTH_SUCCESS.
			if extInfos++; extInfos > maxExtInfoMessages {
				return nil, fmt.Errorf("%w: repeated ext-info", ErrUnexpectedMessage)
			}
			if err := s.handleExtInfo(packet); err != nil {
				return nil, err
			}
			continue
		case msgKexInit:
			return nil, fmt.Errorf("%w: server-initiated re-key is not supported", ErrUnexpectedMessage)
		}
		return packet, nil
	}
}

// WritePacket sends a user-authentication payload (message numbers 50-79).
// Any other message is refused: the session cannot be used for anything but
// authentication.
func (s *Session) WritePacket(ctx context.Context, payload []byte) error {
	if err := s.state.require(StateUserAuth); err != nil {
		return err
	}
	if len(payload) == 0 || payload[0] < msgUserAuthFirst || payload[0] > msgUserAuthLast {
		return fmt.Errorf("%w: only user authentication messages may be sent", ErrInvalidState)
	}
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()
	if err := s.setDeadline(ctx); err != nil {
		return err
	}
	return s.writePacket(ctx, payload)
}

// Close sends SSH_MSG_DISCONNECT when keys are in place and closes the
// socket. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.state.current() >= StateServiceRequest {
			_ = s.conn.SetDeadline(time.Now().Add(closeWriteTimeout))
			if packet, err := s.writer.seal(s.writeSeq, ssh.Marshal(&disconnectMsg{
				Reason:  disconnectByApplication,
				Message: "probe complete",
			}), s.rand); err == nil {
				_, _ = s.conn.Write(packet)
			}
		}
		_ = s.state.advance(StateClosed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) State() State { return s.state.current() }
func (s *Session) ClientVersion() string { return s.clientVersion }
func (s *Session) ServerVersion() string { return s.serverVersion }
func (s *Session) HostKey() ssh.PublicKey { return s.hostKey }
func (s *Session) Algorithms() Algorithms { return s.algorithms }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Session) SessionID() []byte { return append([]byte(nil), s.sessionID...) }
func (s *Session) ServerSigAlgs() []string { return append([]string(nil), s.serverSigAlgs...) }
