package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
)

const (
	maxPacketLength = 256 * 1024
	minPadding      = 4
	plainBlockSize  = 8
	gcmTagSize      = 16
	gcmIVSize       = 12
)

// packetCipher frames payloads into binary packets (RFC 4253 §6) and back.
// seq is the implicit packet sequence number for the direction.
type packetCipher interface {
	seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error)
	open(seq uint32, r io.Reader) ([]byte, error)
}

type cipherSpec struct {
	keySize int
	ivSize  int
	aead    bool
}

var cipherSpecs = map[string]cipherSpec{
	CipherAES128GCM: {keySize: 16, ivSize: gcmIVSize, aead: true},
	CipherAES256GCM: {keySize: 32, ivSize: gcmIVSize, aead: true},
	CipherAES128CTR: {keySize: 16, ivSize: aes.BlockSize},
	CipherAES192CTR: {keySize: 24, ivSize: aes.BlockSize},
	CipherAES256CTR: {keySize: 32, ivSize: aes.BlockSize},

	CipherChaCha20Poly1305: {keySize: chachaKeySize, aead: true},
}

type macSpec struct {
	keySize int
	etm     bool
	newHash func() hash.Hash
}

var macSpecs = map[string]macSpec{
	MACHMACSHA256ETM: {keySize: 32, etm: true, newHash: sha256.New},
	MACHMACSHA512ETM: {keySize: 64, etm: true, newHash: sha512.New},
	MACHMACSHA256:    {keySize: 32, newHash: sha256.New},
	MACHMACSHA512:    {keySize: 64, newHash: sha512.New},
}

type directionKeys struct {
	iv     []byte
	key    []byte
	macKey []byte
}

func newPacketCipher(cipherName, macName string, keys directionKeys) (packetCipher, error) {
	spec, ok := cipherSpecs[cipherName]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher %q", cipherName)
	}
	if cipherName == CipherChaCha20Poly1305 {
		return newChachaCipher(keys.key)
	}
	block, err := aes.NewCipher(keys.key)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", cipherName, err)
	}
	if spec.aead {
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", cipherName, err)
		}
		return &gcmCipher{aead: aead, iv: append([]byte(nil), keys.iv...)}, nil
	}
	mac, ok := macSpecs[macName]
	if !ok {
		return nil, fmt.Errorf("unsupported mac %q", macName)
	}
	return &streamCipher{
		stream:    cipher.NewCTR(block, keys.iv),
		mac:       hmac.New(mac.newHash, keys.macKey),
		etm:       mac.etm,
		blockSize: block.BlockSize(),
	}, nil
}

// paddingFor returns the random padding length so that covered+padding is a
// multiple of blockSize with at least minPadding bytes.
func paddingFor(covered, blockSize int) int {
	padding := blockSize - covered%blockSize
	if padding < minPadding {
		padding += blockSize
	}
	return padding
}

func checkLength(length uint32) error {
	if length < 5 || length > maxPacketLength {
		return fmt.Errorf("%w: invalid packet length %d", ErrMalformedPacket, length)
	}
	return nil
}

// unpad strips padding_length||...||padding from the decrypted body.
func unpad(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty packet body", ErrMalformedPacket)
	}
	padding := int(body[0])
	if padding < minPadding || padding+1 >= len(body) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrMalformedPacket, padding)
	}
	return body[1 : len(body)-padding], nil
}

func fillPadding(rand io.Reader, buf []byte) error {
	if _, err := io.ReadFull(rand, buf); err != nil {
		return fmt.Errorf("generate padding: %w", err)
	}
	return nil
}

type plainCipher struct{}

func (plainCipher) seal(_ uint32, payload []byte, rand io.Reader) ([]byte, error) {
	padding := paddingFor(5+len(payload), plainBlockSize)
	length := 1 + len(payload) + padding
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(padding)
	copy(buf[5:], payload)
	if err := fillPadding(rand, buf[5+len(payload):]); err != nil {
		return nil, err
	}
	return buf, nil
}

func (plainCipher) open(_ uint32, r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if err := checkLength(length); err != nil {
		return nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return unpad(body)
}

// streamCipher is AES-CTR with an HMAC, either over the plaintext
// (RFC 4253) or over the ciphertext (OpenSSH encrypt-then-mac).
type streamCipher struct {
	stream    cipher.Stream
	mac       hash.Hash
	etm       bool
	blockSize int
}

func (c *streamCipher) sum(seq uint32, parts ...[]byte) []byte {
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	c.mac.Reset()
	c.mac.Write(seqBytes[:])
	for _, p := range parts {
		c.mac.Write(p)
	}
	return c.mac.Sum(nil)
}

func (c *streamCipher) seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error) {
	covered := 5 + len(payload)
	if c.etm {
		covered = 1 + len(payload)
	}
	padding := paddingFor(covered, c.blockSize)
	length := 1 + len(payload) + padding

	buf := make([]byte, 4+length, 4+length+c.mac.Size())
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(padding)
	copy(buf[5:], payload)
	if err := fillPadding(rand, buf[5+len(payload):]); err != nil {
		return nil, err
	}

	if c.etm {
		c.stream.XORKeyStream(buf[4:], buf[4:])
		return append(buf, c.sum(seq, buf)...), nil
	}
	mac := c.sum(seq, buf)
	c.stream.XORKeyStream(buf, buf)
	return append(buf, mac...), nil
}

func (c *streamCipher) open(seq uint32, r io.Reader) ([]byte, error) {
	if c.etm {
		return c.openETM(seq, r)
	}

	first := make([]byte, c.blockSize)
	if _, err := io.ReadFull(r, first); err != nil {
		return nil, err
	}
	c.stream.XORKeyStream(first, first)
	length := binary.BigEndian.Uint32(first)
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if (int(length)+4)%c.blockSize != 0 {
		return nil, fmt.Errorf("%w: packet length %d not aligned to block size", ErrMalformedPacket, length)
	}

	packet := make([]byte, 4+int(length))
	copy(packet, first)
	rest := packet[len(first):]
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	c.stream.XORKeyStream(rest, rest)

	mac := make([]byte, c.mac.Size())
	if _, err := io.ReadFull(r, mac); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac, c.sum(seq, packet)) != 1 {
		return nil, fmt.Errorf("%w: mac mismatch", ErrMalformedPacket)
	}
	return unpad(packet[4:])
}

func (c *streamCipher) openETM(seq uint32, r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if int(length)%c.blockSize != 0 {
		return nil, fmt.Errorf("%w: packet length %d not aligned to block size", ErrMalformedPacket, length)
	}

	body := make([]byte, int(length)+c.mac.Size())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	ciphertext, mac := body[:length], body[length:]
	if subtle.ConstantTimeCompare(mac, c.sum(seq, lengthBytes[:], ciphertext)) != 1 {
		return nil, fmt.Errorf("%w: mac mismatch", ErrMalformedPacket)
	}
	c.stream.XORKeyStream(ciphertext, ciphertext)
	return unpad(ciphertext)
}

// gcmCipher implements aes*-gcm@openssh.com: the length field is sent in
// the clear as additional data and the nonce is a 4-byte fixed field
// followed by a 64-bit invocation counter.
type gcmCipher struct {
	aead cipher.AEAD
	iv   []byte
}

func (c *gcmCipher) incrementIV() {
	for i := 4 + 7; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) seal(_ uint32, payload []byte, rand io.Reader) ([]byte, error) {
	padding := paddingFor(1+len(payload), aes.BlockSize)
	length := 1 + len(payload) + padding

	plain := make([]byte, length)
	plain[0] = byte(padding)
	copy(plain[1:], payload)
	if err := fillPadding(rand, plain[1+len(payload):]); err != nil {
		return nil, err
	}

	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(length))
	out := make([]byte, 4, 4+length+gcmTagSize)
	copy(out, lengthBytes[:])
	out = c.aead.Seal(out, c.iv, plain, lengthBytes[:])
	c.incrementIV()
	return out, nil
}

func (c *gcmCipher) open(_ uint32, r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if length%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: packet length %d not aligned to block size", ErrMalformedPacket, length)
	}

	sealed := make([]byte, int(length)+gcmTagSize)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, err
	}
	plain, err := c.aead.Open(sealed[:0], c.iv, sealed, lengthBytes[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	c.incrementIV()
	return unpad(plain)
}
