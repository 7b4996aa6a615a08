package hostkey

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

type Seen struct {
	Host        string    `json:"host"`
	Type        string    `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	SeenAt      time.Time `json:"seen_at"`
}

// Recorder accepts every host key and remembers what it saw. It is safe for
// concurrent use.
type Recorder struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen []Seen
}

func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{logger: logger, now: time.Now}
}

func (r *Recorder) VerifyHostKey(hostname string, _ net.Addr, key ssh.PublicKey) error {
	entry := Seen{
		Host:        hostname,
		Type:        key.Type(),
		Fingerprint: ssh.FingerprintSHA256(key),
		SeenAt:      r.now().UTC(),
	}
	r.mu.Lock()
	r.seen = append(r.seen, entry)
	r.mu.Unlock()

	r.logger.Info("host key recorded", "host", hostname, "type", entry.Type, "host_key_fingerprint", entry.Fingerprint)
	return nil
}

func (r *Recorder) Seen() []Seen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Seen(nil), r.seen...)
}

// Last returns the most recent key recorded for host (host:port form).
func (r *Recorder) Last(host string) (Seen, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.seen) - 1; i >= 0; i-- {
		if r.seen[i].Host == host {
			return r.seen[i], true
		}
	}
	return Seen{}, false
}
