package transport

import (
	"context"
	"crypto/ecdh"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

// kexConn is the part of a Session a key exchange method drives.
type kexConn interface {
	setDeadline(ctx context.Context) error
	writePacket(ctx context.Context, payload []byte) error
	expect(ctx context.Context, msgType byte) ([]byte, error)
}

// kexMagics are the transcript fields every exchange hash starts with.
type kexMagics struct {
	ClientVersion string
	ServerVersion string
	ClientKexInit []byte
	ServerKexInit []byte
}

// kexResult is what a key exchange method hands back for host key
// verification and key derivation.
type kexResult struct {
	hostKey   []byte
	signature []byte
	secret    *big.Int
	exchange  []byte
}

type kexMethod interface {
	run(ctx context.Context, c kexConn, rand io.Reader, newHash func() hash.Hash, magics kexMagics) (*kexResult, error)
}

type kexSpec struct {
	newHash func() hash.Hash
	method  kexMethod
}

var kexSpecs = map[string]kexSpec{
	KexCurve25519SHA256:       {newHash: sha256.New, method: ecdhKex{newKeyPair: newCurve25519Pair}},
	KexCurve25519SHA256LibSSH: {newHash: sha256.New, method: ecdhKex{newKeyPair: newCurve25519Pair}},
	KexECDHP256:               {newHash: sha256.New, method: ecdhKex{newKeyPair: nistPairFactory(ecdh.P256())}},
	KexECDHP384:               {newHash: sha512.New384, method: ecdhKex{newKeyPair: nistPairFactory(ecdh.P384())}},
	KexECDHP521:               {newHash: sha512.New, method: ecdhKex{newKeyPair: nistPairFactory(ecdh.P521())}},
	KexDHGroup14SHA256:        {newHash: sha256.New, method: group14},
	KexDHGroup14SHA1:          {newHash: sha1.New, method: group14},
	KexDHGroup16SHA512:        {newHash: sha512.New, method: group16},
	KexDHGexSHA256:            {newHash: sha256.New, method: dhGexKex{}},
}

// exchangeHash hashes the common transcript followed by the method-specific
// tail, both in SSH wire encoding.
func exchangeHash(newHash func() hash.Hash, magics kexMagics, tail any) []byte {
	h := newHash()
	h.Write(ssh.Marshal(&magics))
	h.Write(ssh.Marshal(tail))
	return h.Sum(nil)
}

// ecdhKex covers curve25519 (RFC 8731) and the NIST curves (RFC 5656).
type ecdhKex struct {
	newKeyPair func(rand io.Reader) (kexKeyPair, error)
}

// ecdhHashTail follows the magics in an ECDH exchange hash.
type ecdhHashTail struct {
	HostKey      []byte
	ClientPublic []byte
	ServerPublic []byte
	Secret       *big.Int
}

func (k ecdhKex) run(ctx context.Context, c kexConn, rand io.Reader, newHash func() hash.Hash, magics kexMagics) (*kexResult, error) {
	pair, err := k.newKeyPair(rand)
	if err != nil {
		return nil, err
	}
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.writePacket(ctx, ssh.Marshal(&kexECDHInitMsg{ClientPubKey: pair.publicBytes()})); err != nil {
		return nil, err
	}
	packet, err := c.expect(ctx, msgKexECDHReply)
	if err != nil {
		return nil, err
	}
	var reply kexECDHReplyMsg
	if err := ssh.Unmarshal(packet, &reply); err != nil {
		return nil, fmt.Errorf("%w: parse ecdh reply: %v", ErrHandshakeFailed, err)
	}
	shared, err := pair.sharedSecret(reply.EphemeralPubKey)
	if err != nil {
		return nil, err
	}
	secret := new(big.Int).SetBytes(shared)
	return &kexResult{
		hostKey:   reply.HostKey,
		signature: reply.Signature,
		secret:    secret,
		exchange:  exchangeHash(newHash, magics, &ecdhHashTail{
			HostKey:      reply.HostKey,
			ClientPublic: pair.publicBytes(),
			ServerPublic: reply.EphemeralPubKey,
			Secret:       secret,
		}),
	}, nil
}

type kexKeyPair interface {
	publicBytes() []byte
	sharedSecret(peer []byte) ([]byte, error)
}

type curve25519Pair struct {
	private [32]byte
	public  []byte
}

func newCurve25519Pair(rand io.Reader) (kexKeyPair, error) {
	pair := &curve25519Pair{}
	if _, err := io.ReadFull(rand, pair.private[:]); err != nil {
		return nil, fmt.Errorf("generate curve25519 key: %w", err)
	}
	public, err := curve25519.X25519(pair.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate curve25519 key: %w", err)
	}
	pair.public = public
	return pair, nil
}

func (p *curve25519Pair) publicBytes() []byte { return p.public }

func (p *curve25519Pair) sharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: curve25519 public key has %d bytes", ErrHandshakeFailed, len(peer))
	}
	// X25519 rejects low-order points with an all-zero output.
	secret, err := curve25519.X25519(p.private[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: curve25519: %v", ErrHandshakeFailed, err)
	}
	return secret, nil
}

type nistPair struct {
	curve   ecdh.Curve
	private *ecdh.PrivateKey
}

func nistPairFactory(curve ecdh.Curve) func(io.Reader) (kexKeyPair, error) {
	return func(rand io.Reader) (kexKeyPair, error) {
		private, err := curve.GenerateKey(rand)
		if err != nil {
			return nil, fmt.Errorf("generate ecdh key: %w", err)
		}
		return &nistPair{curve: curve, private: private}, nil
	}
}

func (p *nistPair) publicBytes() []byte { return p.private.PublicKey().Bytes() }

func (p *nistPair) sharedSecret(peer []byte) ([]byte, error) {
	public, err := p.curve.NewPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh public key: %v", ErrHandshakeFailed, err)
	}
	secret, err := p.private.ECDH(public)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrHandshakeFailed, err)
	}
	return secret, nil
}

type mpint struct {
	K *big.Int
}

// encodeSecret returns K in mpint wire form, as it is fed to key derivation.
func encodeSecret(k *big.Int) []byte {
	return ssh.Marshal(&mpint{K: k})
}

// deriveKey implements RFC 4253 §7.2: HASH(K || H || X || session_id),
// extended with HASH(K || H || K1 || ... ) until size bytes are available.
func deriveKey(newHash func() hash.Hash, secret, exchange, sessionID []byte, letter byte, size int) []byte {
	h := newHash()
	h.Write(secret)
	h.Write(exchange)
	h.Write([]byte{letter})
	h.Write(sessionID)
	out := h.Sum(nil)
	for len(out) < size {
		h.Reset()
		h.Write(secret)
		h.Write(exchange)
		h.Write(out)
		out = h.Sum(out)
	}
	return out[:size]
}

type sessionKeys struct {
	clientToServer directionKeys
	serverToClient directionKeys
}

func deriveSessionKeys(newHash func() hash.Hash, secret, exchange, sessionID []byte, algs Algorithms) sessionKeys {
	derive := func(letter byte, size int) []byte {
		if size == 0 {
			return nil
		}
		return deriveKey(newHash, secret, exchange, sessionID, letter, size)
	}
	c2s := cipherSpecs[algs.CipherClientServer]
	s2c := cipherSpecs[algs.CipherServerClient]
	return sessionKeys{
		clientToServer: directionKeys{
			iv:     derive('A', c2s.ivSize),
			key:    derive('C', c2s.keySize),
			macKey: derive('E', macSpecs[algs.MACClientServer].keySize),
		},
		serverToClient: directionKeys{
			iv:     derive('B', s2c.ivSize),
			key:    derive('D', s2c.keySize),
			macKey: derive('F', macSpecs[algs.MACServerClient].keySize),
		},
	}
}

// verifyHostKeySignature checks the server's signature over H with the key
// it presented, using the negotiated host key algorithm.
func verifyHostKeySignature(algo string, key ssh.PublicKey, exchange, sigBlob []byte) error {
	if want := hostKeyFormat(algo); key.Type() != want {
		return fmt.Errorf("%w: host key type %s does not match negotiated %s", ErrHandshakeFailed, key.Type(), algo)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return fmt.Errorf("%w: parse host key signature: %v", ErrHandshakeFailed, err)
	}
	if sig.Format != algo {
		return fmt.Errorf("%w: host key signature format %s, negotiated %s", ErrHandshakeFailed, sig.Format, algo)
	}
	if err := key.Verify(exchange, &sig); err != nil {
		return fmt.Errorf("%w: host key signature: %v", ErrHandshakeFailed, err)
	}
	return nil
}
