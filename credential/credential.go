// Package credential resolves the local ssh identity used to authenticate
// against remotes.
package credential

import (
	"net"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
)

// ErrCredential marks failures to produce usable local identity
var ErrCredential = errors.New("no usable credentials")

// Provider offers single ssh identity for ssh remotes. It is stateless, key
// is read on every call so that rotated keys are picked up without restart.
type Provider struct {
	keyPath         string
	user            string
	passphrase      []byte
	hostKeyCallback ssh.HostKeyCallback
}

// New returns provider for the given private key. user is used for urls
// which do not specify one.
func New(keyPath, user string, passphrase []byte) *Provider {
	return &Provider{
		keyPath:    keyPath,
		user:       user,
		passphrase: passphrase,
	}
}

// WithHostKeyCallback returns copy of the provider which verifies host
// identity with given callback
func (p *Provider) WithHostKeyCallback(cb ssh.HostKeyCallback) *Provider {
	c := *p
	c.hostKeyCallback = cb
	return &c
}

// DefaultKeyPath returns `~/.ssh/id_rsa` of the current user
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "unable to resolve home directory"), ErrCredential)
	}
	return filepath.Join(home, ".ssh", "id_rsa"), nil
}

// AuthMethod returns auth method to use for the given remote. nil is
// returned for non ssh remotes.
func (p *Provider) AuthMethod(remote string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(remote)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse remote url")
	}
	if ep.Protocol != "ssh" {
		return nil, nil
	}

	user := ep.User
	if user == "" {
		user = p.user
	}
	if user == "" {
		return nil, errors.Mark(errors.Newf("no username available for %s", ep.Host), ErrCredential)
	}

	if p.keyPath == "" {
		return nil, errors.Mark(errors.New("ssh key path is not set"), ErrCredential)
	}
	pem, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "unable to read ssh key"), ErrCredential)
	}

	auth, err := gitssh.NewPublicKeys(user, pem, string(p.passphrase))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "unable to load ssh key %s", p.keyPath), ErrCredential)
	}

	auth.HostKeyCallback = p.hostKeyCallback
	if auth.HostKeyCallback == nil {
		// never fall back to unverified connections
		auth.HostKeyCallback = func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
			return errors.Newf("host key verification is not configured for %s", hostname)
		}
	}

	return auth, nil
}
