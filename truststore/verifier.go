package truststore

import (
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/utilitywarehouse/repo-mirror/internal/lock"
	"golang.org/x/crypto/ssh"
)

// Policy decides what happens when a host is not in the store
type Policy int

const (
	// Interactive asks operator on the controlling terminal
	Interactive Policy = iota
	// AutoTrust approves any unknown host, used for seeding the store
	AutoTrust
	// Strict rejects any unknown host without prompting
	Strict
)

func (p Policy) String() string {
	switch p {
	case Interactive:
		return "interactive"
	case AutoTrust:
		return "auto-trust"
	case Strict:
		return "strict"
	}
	return "unknown"
}

// ParsePolicy returns policy for given name
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "interactive":
		return Interactive, nil
	case "auto-trust", "auto":
		return AutoTrust, nil
	case "strict":
		return Strict, nil
	}
	return 0, errors.Newf("unknown trust policy '%s', must be one of interactive, auto-trust or strict", name)
}

// Prompter asks operator whether to trust given host identity.
// changed is set when host is known with a different fingerprint.
type Prompter interface {
	Confirm(host, fingerprint string, changed bool) (bool, error)
}

// Verifier applies trust policy on top of the store.
// A Verifier is safe for concurrent use by multiple goroutines.
type Verifier struct {
	store    *Store
	policy   Policy
	prompter Prompter
	// serialises prompts so that operator is asked one host at a time, store
	// lock is not held while waiting for an answer
	promptLock lock.Mutex
	log        *slog.Logger
}

// NewVerifier returns verifier for the given store and policy.
// if prompter is nil TerminalPrompter on stdin/stderr is used.
func NewVerifier(store *Store, policy Policy, prompter Prompter, log *slog.Logger) *Verifier {
	if prompter == nil {
		prompter = NewTerminalPrompter()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		store:    store,
		policy:   policy,
		prompter: prompter,
		log:      log,
	}
}

// Policy returns the policy verifier was created with
func (v *Verifier) Policy() Policy {
	return v.policy
}

// Verify returns nil if connection to the host presenting given fingerprint
// is allowed. a rejection is marked with ErrUntrusted.
func (v *Verifier) Verify(host, fingerprint string) error {
	known, exists := v.store.lookup(host)
	if exists && known == fingerprint {
		recordTrustDecision(v.policy, "known")
		return nil
	}
	changed := exists

	switch v.policy {
	case Strict:
		recordTrustDecision(v.policy, "rejected")
		if changed {
			v.log.Error("host key changed, rejecting connection", "host", host, "fingerprint", fingerprint, "known", known)
			return errors.Mark(errors.Newf("host key for %s changed", host), ErrUntrusted)
		}
		v.log.Error("unknown host, rejecting connection", "host", host, "fingerprint", fingerprint)
		return errors.Mark(errors.Newf("host %s is not in trust store", host), ErrUntrusted)

	case AutoTrust:
		if changed {
			v.log.Warn("host key changed, replacing trusted key", "host", host, "fingerprint", fingerprint, "previous", known)
		}
		recordTrustDecision(v.policy, "approved")
		return v.approve(host, fingerprint)

	case Interactive:
		v.promptLock.Lock()
		defer v.promptLock.Unlock()

		// host might have been approved while waiting for the prompt
		if v.store.Check(host, fingerprint) {
			recordTrustDecision(v.policy, "known")
			return nil
		}

		ok, err := v.prompter.Confirm(host, fingerprint, changed)
		if err != nil {
			recordTrustDecision(v.policy, "rejected")
			return errors.Mark(errors.Wrapf(err, "unable to confirm identity of %s", host), ErrUntrusted)
		}
		if !ok {
			recordTrustDecision(v.policy, "rejected")
			return errors.Mark(errors.Newf("identity of %s rejected by operator", host), ErrUntrusted)
		}
		recordTrustDecision(v.policy, "approved")
		return v.approve(host, fingerprint)
	}

	return errors.Mark(errors.Newf("unknown trust policy %d", v.policy), ErrUntrusted)
}

// approve records the host. connection is allowed even if the store could
// not be written as the approval is still held in memory.
func (v *Verifier) approve(host, fingerprint string) error {
	if err := v.store.Approve(host, fingerprint); err != nil {
		v.log.Error("trusted host is not persisted", "host", host, "err", err)
	}
	return nil
}

// HostKeyCallback returns ssh host key callback backed by Verify
func (v *Verifier) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		return v.Verify(HostID(hostname), Fingerprint(key))
	}
}

// Fingerprint returns base64 encoded SHA256 hash of the key in ssh wire format
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HostID returns store key for the host address. default ssh port is
// dropped, any other port is kept using `[host]:port` notation.
func HostID(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	host = strings.ToLower(host)
	if port == "" || port == "22" {
		return host
	}
	return "[" + host + "]:" + port
}
