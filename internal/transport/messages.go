package transport

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6
	msgExtInfo        = 7
	msgKexInit        = 20
	msgNewKeys        = 21
	msgKexECDHInit    = 30
	msgKexECDHReply   = 31

	// The Diffie-Hellman methods reuse the kex-specific range 30-49.
	msgKexDHInit       = 30
	msgKexDHReply      = 31
	msgKexDHGexGroup   = 31
	msgKexDHGexInit    = 32
	msgKexDHGexReply   = 33
	msgKexDHGexRequest = 34

	// RFC 4250 §4.1.2 reserves 50-79 for the user authentication protocol.
	msgUserAuthFirst = 50
	msgUserAuthLast  = 79
)

const (
	disconnectByApplication = 11
	serviceUserAuth         = "ssh-userauth"
	extInfoClient           = "ext-info-c"
	extServerSigAlgs        = "server-sig-algs"
)

type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type kexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

type kexDHInitMsg struct {
	E *big.Int `sshtype:"30"`
}

type kexDHReplyMsg struct {
	HostKey   []byte `sshtype:"31"`
	F         *big.Int
	Signature []byte
}

// RFC 4419 group exchange.
type kexDHGexRequestMsg struct {
	MinBits       uint32 `sshtype:"34"`
	PreferredBits uint32
	MaxBits       uint32
}

type kexDHGexGroupMsg struct {
	P *big.Int `sshtype:"31"`
	G *big.Int
}

type kexDHGexInitMsg struct {
	E *big.Int `sshtype:"32"`
}

type kexDHGexReplyMsg struct {
	HostKey   []byte `sshtype:"33"`
	F         *big.Int
	Signature []byte
}

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type extInfoMsg struct {
	NumExtensions uint32 `sshtype:"7"`
	Payload       []byte `ssh:"rest"`
}

type extension struct {
	Name  string
	Value []byte
	Rest  []byte `ssh:"rest"`
}

func parseDisconnect(packet []byte) *DisconnectError {
	var msg disconnectMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return &DisconnectError{Message: "malformed disconnect message"}
	}
	return &DisconnectError{Reason: msg.Reason, Message: msg.Message}
}

func parseExtInfo(packet []byte) (map[string][]byte, error) {
	var msg extInfoMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return nil, fmt.Errorf("%w: ext-info: %v", ErrMalformedPacket, err)
	}
	exts := make(map[string][]byte)
	rest := msg.Payload
	for i := uint32(0); i < msg.NumExtensions; i++ {
		var ext extension
		if err := ssh.Unmarshal(rest, &ext); err != nil {
			return nil, fmt.Errorf("%w: ext-info entry %d: %v", ErrMalformedPacket, i, err)
		}
		exts[ext.Name] = ext.Value
		rest = ext.Rest
	}
	return exts, nil
}
