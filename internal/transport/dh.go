package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/ssh"
)

// RFC 3526 MODP groups, generator 2.
const (
	modpGroup14 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
	modpGroup16 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D788719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA993B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF"
)

// Group exchange bounds sent in the request, in bits. 2048 is the floor
// OpenSSH has enforced since 7.1.
const (
	gexMinBits       = 2048
	gexPreferredBits = 3072
	gexMaxBits       = 8192
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)

	group14 = newDHGroup(modpGroup14)
	group16 = newDHGroup(modpGroup16)
)

// dhGroup is a fixed-group Diffie-Hellman exchange (RFC 4253 §8, RFC 8268).
type dhGroup struct {
	p, g *big.Int
}

func newDHGroup(prime string) dhGroup {
	p, ok := new(big.Int).SetString(prime, 16)
	if !ok {
		panic("transport: bad MODP prime")
	}
	return dhGroup{p: p, g: bigTwo}
}

// dhHashTail follows the magics in a fixed-group exchange hash.
type dhHashTail struct {
	HostKey []byte
	E       *big.Int
	F       *big.Int
	Secret  *big.Int
}

func (group dhGroup) run(ctx context.Context, c kexConn, random io.Reader, newHash func() hash.Hash, magics kexMagics) (*kexResult, error) {
	x, e, err := dhKeyPair(random, group.p, group.g, group.p)
	if err != nil {
		return nil, err
	}
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.writePacket(ctx, ssh.Marshal(&kexDHInitMsg{E: e})); err != nil {
		return nil, err
	}
	packet, err := c.expect(ctx, msgKexDHReply)
	if err != nil {
		return nil, err
	}
	var reply kexDHReplyMsg
	if err := ssh.Unmarshal(packet, &reply); err != nil {
		return nil, fmt.Errorf("%w: parse dh reply: %v", ErrHandshakeFailed, err)
	}
	k, err := dhSharedSecret(reply.F, x, group.p)
	if err != nil {
		return nil, err
	}
	return &kexResult{
		hostKey:   reply.HostKey,
		signature: reply.Signature,
		secret:    k,
		exchange:  exchangeHash(newHash, magics, &dhHashTail{
			HostKey: reply.HostKey,
			E:       e,
			F:       reply.F,
			Secret:  k,
		}),
	}, nil
}

// dhGexKex is diffie-hellman-group-exchange (RFC 4419): the server picks
// the group.
type dhGexKex struct{}

// gexHashTail follows the magics in a group exchange hash.
type gexHashTail struct {
	HostKey       []byte
	MinBits       uint32
	PreferredBits uint32
	MaxBits       uint32
	P             *big.Int
	G             *big.Int
	E             *big.Int
	F             *big.Int
	Secret        *big.Int
}

func (dhGexKex) run(ctx context.Context, c kexConn, random io.Reader, newHash func() hash.Hash, magics kexMagics) (*kexResult, error) {
	request := kexDHGexRequestMsg{MinBits: gexMinBits, PreferredBits: gexPreferredBits, MaxBits: gexMaxBits}
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.writePacket(ctx, ssh.Marshal(&request)); err != nil {
		return nil, err
	}
	packet, err := c.expect(ctx, msgKexDHGexGroup)
	if err != nil {
		return nil, err
	}
	var group kexDHGexGroupMsg
	if err := ssh.Unmarshal(packet, &group); err != nil {
		return nil, fmt.Errorf("%w: parse dh group: %v", ErrHandshakeFailed, err)
	}
	if bits := group.P.BitLen(); bits < gexMinBits || bits > gexMaxBits {
		return nil, fmt.Errorf("%w: server dh group has %d bits, want %d-%d", ErrHandshakeFailed, bits, gexMinBits, gexMaxBits)
	}
	pMinus1 := new(big.Int).Sub(group.P, bigOne)
	if group.G.Cmp(bigOne) <= 0 || group.G.Cmp(pMinus1) >= 0 {
		return nil, fmt.Errorf("%w: server dh generator out of range", ErrHandshakeFailed)
	}

	// p is not known to be a safe prime, so keep x below p/2.
	x, e, err := dhKeyPair(random, group.P, group.G, new(big.Int).Rsh(group.P, 1))
	if err != nil {
		return nil, err
	}
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.writePacket(ctx, ssh.Marshal(&kexDHGexInitMsg{E: e})); err != nil {
		return nil, err
	}
	packet, err = c.expect(ctx, msgKexDHGexReply)
	if err != nil {
		return nil, err
	}
	var reply kexDHGexReplyMsg
	if err := ssh.Unmarshal(packet, &reply); err != nil {
		return nil, fmt.Errorf("%w: parse dh group exchange reply: %v", ErrHandshakeFailed, err)
	}
	k, err := dhSharedSecret(reply.F, x, group.P)
	if err != nil {
		return nil, err
	}
	return &kexResult{
		hostKey:   reply.HostKey,
		signature: reply.Signature,
		secret:    k,
		exchange:  exchangeHash(newHash, magics, &gexHashTail{
			HostKey:       reply.HostKey,
			MinBits:       request.MinBits,
			PreferredBits: request.PreferredBits,
			MaxBits:       request.MaxBits,
			P:             group.P,
			G:             group.G,
			E:             e,
			F:             reply.F,
			Secret:        k,
		}),
	}, nil
}

// dhKeyPair picks a private exponent 0 < x < limit and returns it with
// e = g^x mod p.
func dhKeyPair(random io.Reader, p, g, limit *big.Int) (x, e *big.Int, err error) {
	for {
		x, err = rand.Int(random, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("generate dh key: %w", err)
		}
		if x.Sign() > 0 {
			break
		}
	}
	return x, new(big.Int).Exp(g, x, p), nil
}

// dhSharedSecret checks 1 < f < p-1 and returns K = f^x mod p.
func dhSharedSecret(f, x, p *big.Int) (*big.Int, error) {
	pMinus1 := new(big.Int).Sub(p, bigOne)
	if f == nil || f.Cmp(bigOne) <= 0 || f.Cmp(pMinus1) >= 0 {
		return nil, fmt.Errorf("%w: dh public value out of range", ErrHandshakeFailed)
	}
	k := new(big.Int).Exp(f, x, p)
	if k.Cmp(bigOne) <= 0 || k.Cmp(pMinus1) >= 0 {
		return nil, fmt.Errorf("%w: dh shared secret out of range", ErrHandshakeFailed)
	}
	return k, nil
}
