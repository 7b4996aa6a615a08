package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const chachaKeySize = 64

// chachaCipher implements chacha20-poly1305@openssh.com. The second half of
// the key encrypts the length field, the first half the body, and both use
// the packet sequence number as nonce. The poly1305 key is the first block of
// the body stream; the body starts at block one.
type chachaCipher struct {
	contentKey [32]byte
	lengthKey  [32]byte
}

func newChachaCipher(key []byte) (*chachaCipher, error) {
	if len(key) != chachaKeySize {
		return nil, fmt.Errorf("chacha20-poly1305 key has %d bytes, want %d", len(key), chachaKeySize)
	}
	c := &chachaCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func chachaNonce(seq uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// bodyStream returns the body keystream positioned at block one and the
// poly1305 key taken from block zero.
func (c *chachaCipher) bodyStream(nonce []byte) (*chacha20.Cipher, *[32]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce)
	if err != nil {
		return nil, nil, err
	}
	var polyKey [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])
	s.SetCounter(1)
	return s, &polyKey, nil
}

func (c *chachaCipher) xorLength(nonce, dst, src []byte) error {
	s, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return err
	}
	s.XORKeyStream(dst, src)
	return nil
}

func (c *chachaCipher) seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error) {
	nonce := chachaNonce(seq)
	body, polyKey, err := c.bodyStream(nonce)
	if err != nil {
		return nil, err
	}

	padding := paddingFor(1+len(payload), plainBlockSize)
	length := 1 + len(payload) + padding
	buf := make([]byte, 4+length, 4+length+poly1305.TagSize)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(padding)
	copy(buf[5:], payload)
	if err := fillPadding(rand, buf[5+len(payload):]); err != nil {
		return nil, err
	}

	if err := c.xorLength(nonce, buf[:4], buf[:4]); err != nil {
		return nil, err
	}
	body.XORKeyStream(buf[4:], buf[4:])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, buf, polyKey)
	return append(buf, tag[:]...), nil
}

func (c *chachaCipher) open(seq uint32, r io.Reader) ([]byte, error) {
	nonce := chachaNonce(seq)

	var encLength, lengthBytes [4]byte
	if _, err := io.ReadFull(r, encLength[:]); err != nil {
		return nil, err
	}
	if err := c.xorLength(nonce, lengthBytes[:], encLength[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if err := checkLength(length); err != nil {
		return nil, err
	}

	packet := make([]byte, 4+int(length)+poly1305.TagSize)
	copy(packet, encLength[:])
	if _, err := io.ReadFull(r, packet[4:]); err != nil {
		return nil, err
	}
	sealed := packet[:4+length]
	var tag [poly1305.TagSize]byte
	copy(tag[:], packet[4+length:])

	body, polyKey, err := c.bodyStream(nonce)
	if err != nil {
		return nil, err
	}
	if !poly1305.Verify(&tag, sealed, polyKey) {
		return nil, fmt.Errorf("%w: mac mismatch", ErrMalformedPacket)
	}
	plain := sealed[4:]
	body.XORKeyStream(plain, plain)
	return unpad(plain)
}
