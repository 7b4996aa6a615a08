package auth

import (
	"golang.org/x/crypto/ssh"
)

const (
	msgUserAuthRequest = 50
	msgUserAuthFailure = 51
	msgUserAuthSuccess = 52
	msgUserAuthBanner  = 53
	msgUserAuthPKOK    = 60

	serviceConnection = "ssh-connection"
	methodNone        = "none"
	methodPublicKey   = "publickey"
)

type noneRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
}

// publicKeyQueryMsg is a publickey request without a signature (RFC 4252 §7).
type publicKeyQueryMsg struct {
	User      string `sshtype:"50"`
	Service   string
	Method    string
	HasSig    bool
	Algorithm string
	PublicKey []byte
}

type failureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type bannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

type pkOKMsg struct {
	Algorithm string `sshtype:"60"`
	PublicKey []byte
}

func parseFailure(packet []byte) (failureMsg, error) {
	var msg failureMsg
	err := ssh.Unmarshal(packet, &msg)
	return msg, err
}
