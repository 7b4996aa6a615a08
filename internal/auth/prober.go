package auth

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/manfred-kaiser/ssh-mitm/internal/pubkey"
	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

// DefaultEnumerationUser is sent with the "none" request when the caller has
// no username of its own. Servers answer the same method list for unknown
// users, but some reject an empty name outright.
const DefaultEnumerationUser = "nobody"

// maxBanners bounds how many SSH_MSG_USERAUTH_BANNER messages are read
// while waiting for an answer.
const maxBanners = 16

// ListMethods sends a single "none" authentication request and reports the
// methods the server offers in reply. The conn is left open.
func ListMethods(ctx context.Context, conn PacketConn, user string) (MethodSet, error) {
	const op = "list auth methods"
	if user == "" {
		user = DefaultEnumerationUser
	}

	if err := conn.WritePacket(ctx, ssh.Marshal(&noneRequestMsg{
		User:    user,
		Service: serviceConnection,
		Method:  methodNone,
	})); err != nil {
		return MethodSet{}, classify(op, err)
	}

	var banner bannerText
	for {
		packet, err := conn.ReadPacket(ctx)
		if err != nil {
			return MethodSet{}, classify(op, err)
		}
		if len(packet) == 0 {
			return MethodSet{}, violation(op, "empty packet")
		}
		switch packet[0] {
		case msgUserAuthBanner:
			if err := banner.add(op, packet); err != nil {
				return MethodSet{}, err
			}
		case msgUserAuthFailure:
			failure, err := parseFailure(packet)
			if err != nil {
				return MethodSet{}, violation(op, "parse failure message: %v", err)
			}
			return MethodSet{
				Methods:        nonNil(failure.Methods),
				PartialSuccess: failure.PartialSuccess,
				Banner:         banner.String(),
			}, nil
		case msgUserAuthSuccess:
			return MethodSet{
				Methods:      []string{MethodNoneAccepted},
				NoneAccepted: true,
				Banner:       banner.String(),
			}, nil
		default:
			return MethodSet{}, violation(op, "unexpected message %d in reply to none request", packet[0])
		}
	}
}

// CheckPublicKey asks whether the server would accept key for user, using a
// publickey request without a signature. No private key is involved and the
// session is never authenticated. The conn is left open.
func CheckPublicKey(ctx context.Context, conn PacketConn, user string, key *pubkey.Material) (Result, error) {
	const op = "check public key"
	if key == nil || len(key.Blob) == 0 {
		return Result{}, &pubkey.ParseError{Err: errors.New("no public key given")}
	}

	var sigAlgs []string
	if provider, ok := conn.(interface{ ServerSigAlgs() []string }); ok {
		sigAlgs = provider.ServerSigAlgs()
	}
	algorithm := QueryAlgorithm(key, sigAlgs)
	result := Result{Verdict: Indeterminate, Algorithm: algorithm}

	peerClosed := func(err error) (Result, error) {
		if transport.IsPeerClosed(err) && !transport.IsTimeout(err) {
			result.Reason = ReasonPeerClosed
			return result, nil
		}
		return Result{}, classify(op, err)
	}

	if err := conn.WritePacket(ctx, ssh.Marshal(&publicKeyQueryMsg{
		User:      user,
		Service:   serviceConnection,
		Method:    methodPublicKey,
		Algorithm: algorithm,
		PublicKey: key.Blob,
	})); err != nil {
		return peerClosed(err)
	}

	var banner bannerText
	for {
		packet, err := conn.ReadPacket(ctx)
		if err != nil {
			result.Banner = banner.String()
			return peerClosed(err)
		}
		if len(packet) == 0 {
			return Result{}, violation(op, "empty packet")
		}
		switch packet[0] {
		case msgUserAuthBanner:
			if err := banner.add(op, packet); err != nil {
				return Result{}, err
			}
			continue
		case msgUserAuthPKOK:
			var ok pkOKMsg
			if err := ssh.Unmarshal(packet, &ok); err != nil {
				return Result{}, violation(op, "parse pk_ok: %v", err)
			}
			if ok.Algorithm != algorithm || !bytes.Equal(ok.PublicKey, key.Blob) {
				return Result{}, violation(op, "pk_ok echoes %s key that was not offered", ok.Algorithm)
			}
			result.Verdict = Accepted
		case msgUserAuthFailure:
			failure, err := parseFailure(packet)
			if err != nil {
				return Result{}, violation(op, "parse failure message: %v", err)
			}
			result.Methods = nonNil(failure.Methods)
			result.PartialSuccess = failure.PartialSuccess
			switch {
			case failure.PartialSuccess:
				result.Reason = ReasonPartialSuccess
			case !slices.Contains(failure.Methods, methodPublicKey):
				result.Reason = ReasonPublicKeyUnavailable
			default:
				result.Verdict = Rejected
			}
		case msgUserAuthSuccess:
			result.Reason = ReasonAcceptedWithoutProof
		default:
			return Result{}, violation(op, "unexpected message %d in reply to publickey query", packet[0])
		}
		result.Banner = banner.String()
		return result, nil
	}
}

// QueryAlgorithm picks the public key algorithm name used to offer key.
// RSA keys are offered under the strongest SHA-2 signature algorithm the
// server announced in server-sig-algs, falling back to ssh-rsa.
func QueryAlgorithm(key *pubkey.Material, serverSigAlgs []string) string {
	if !key.IsRSA() {
		return key.Algorithm
	}
	candidates := []struct{ plain, cert string }{
		{ssh.KeyAlgoRSASHA512, ssh.CertAlgoRSASHA512v01},
		{ssh.KeyAlgoRSASHA256, ssh.CertAlgoRSASHA256v01},
	}
	for _, c := range candidates {
		if !slices.Contains(serverSigAlgs, c.plain) && !slices.Contains(serverSigAlgs, c.cert) {
			continue
		}
		if key.Certificate {
			return c.cert
		}
		return c.plain
	}
	return key.Algorithm
}

type bannerText struct {
	parts []string
}

func (b *bannerText) add(op string, packet []byte) error {
	if len(b.parts) >= maxBanners {
		return violation(op, "more than %d banner messages", maxBanners)
	}
	var msg bannerMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return violation(op, "parse banner: %v", err)
	}
	b.parts = append(b.parts, msg.Message)
	return nil
}

func (b *bannerText) String() string {
	return strings.Join(b.parts, "")
}

func nonNil(methods []string) []string {
	if methods == nil {
		return []string{}
	}
	return methods
}
