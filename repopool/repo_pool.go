package repopool

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/utilitywarehouse/repo-mirror/credential"
	"github.com/utilitywarehouse/repo-mirror/internal/lock"
	"github.com/utilitywarehouse/repo-mirror/repolist"
	"github.com/utilitywarehouse/repo-mirror/repository"
	"github.com/utilitywarehouse/repo-mirror/truststore"
)

// ErrConfig marks an empty, unreadable or invalid repository list.
var ErrConfig = errors.New("config error")

// Lister returns the ordered list of repositories to mirror.
// It is called at the start of every tick.
type Lister interface {
	Load() ([]repolist.Entry, error)
}

// Mirrorer runs a single mirror cycle.
type Mirrorer interface {
	Mirror(ctx context.Context) repository.Result
}

// RepoPool mirrors every configured repository once per tick in
// declaration order. A failing repository never blocks the rest.
// A RepoPool is safe for concurrent use by multiple goroutines, ticks
// are serialised.
type RepoPool struct {
	lock    lock.Mutex
	conf    DefaultConfig
	list    Lister
	auth    repository.Authenticator
	log     *slog.Logger
	running atomic.Bool

	newMirror  func(repository.Config, repository.Authenticator, *slog.Logger) (Mirrorer, error)
	listRemote func(context.Context, string, repository.Authenticator) ([]string, error)
}

// New will create repository pool based on given config.
// Repositories will not be mirrored until either MirrorAll() or StartLoop()
// is called.
func New(conf Config, list Lister, auth repository.Authenticator, log *slog.Logger) (*RepoPool, error) {
	if err := conf.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}

	if list == nil {
		return nil, errors.Mark(errors.New("repository list is required"), ErrConfig)
	}

	if log == nil {
		log = slog.Default()
	}

	return &RepoPool{
		conf: conf.Defaults,
		list: list,
		auth: auth,
		log:  log,
		newMirror: func(c repository.Config, a repository.Authenticator, l *slog.Logger) (Mirrorer, error) {
			return repository.New(c, a, l)
		},
		listRemote: repository.ListRemote,
	}, nil
}

// Validate checks that the repository list can be read and is not empty.
// It should be called before the first tick, an error is fatal at startup.
func (rp *RepoPool) Validate() error {
	_, err := rp.load()
	return err
}

func (rp *RepoPool) load() ([]repolist.Entry, error) {
	entries, err := rp.list.Load()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "unable to read repository list"), ErrConfig)
	}
	if len(entries) == 0 {
		return nil, errors.Mark(errors.New("no repositories configured"), ErrConfig)
	}
	return entries, nil
}

// MirrorAll re-reads the repository list and runs one mirror cycle for
// every repository in order. Per repository errors are reported on the
// results, the returned error is only set if the list could not be used
// or ctx was cancelled mid tick.
func (rp *RepoPool) MirrorAll(ctx context.Context) ([]repository.Result, error) {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	start := time.Now()
	defer recordTick(start)

	entries, err := rp.load()
	if err != nil {
		return nil, err
	}

	// two sources with the same name would share a cache dir
	claimed := make(map[string]string, len(entries))
	results := make([]repository.Result, 0, len(entries))

	for i, entry := range entries {
		if i > 0 && *rp.conf.Throttle > 0 {
			t := time.NewTimer(*rp.conf.Throttle)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return results, ctx.Err()
			}
		}

		res := rp.mirror(ctx, entry, claimed)
		logResult(rp.log, res)
		results = append(results, res)
	}

	var synced, skipped, failed int
	for _, res := range results {
		switch res.Status {
		case repository.Synced:
			synced++
		case repository.Skipped:
			skipped++
		default:
			failed++
		}
	}
	rp.log.Info("mirror tick complete", "time", time.Since(start), "synced", synced, "skipped", skipped, "failed", failed)

	return results, nil
}

func (rp *RepoPool) mirror(ctx context.Context, entry repolist.Entry, claimed map[string]string) repository.Result {
	source := strings.TrimSpace(entry.Source)
	mirror := strings.TrimSpace(entry.Mirror)

	if source == "" {
		return repository.Fail("", source, mirror, errors.Mark(errors.New("repository source cannot be empty"), ErrConfig))
	}

	name, err := repository.DirName(source, false)
	if err != nil {
		return repository.Fail("", source, mirror, errors.Mark(err, ErrConfig))
	}

	dir, _ := repository.DirName(source, rp.conf.Bare)
	if prev, ok := claimed[dir]; ok {
		return repository.Fail(name, source, mirror,
			errors.Mark(errors.Newf("cache dir %s is already used by %s", dir, prev), ErrConfig))
	}
	claimed[dir] = source

	repo, err := rp.newMirror(repository.Config{
		Source: source,
		Mirror: mirror,
		Root:   rp.conf.Root,
		Bare:   rp.conf.Bare,
	}, rp.auth, rp.log)
	if err != nil {
		return repository.Fail(name, source, mirror, errors.Mark(err, ErrConfig))
	}

	rp.log.Info("mirror cycle started", "repo", name)

	// to stop mirror running indefinitely we will use time-out
	mCtx, cancel := ctx, context.CancelFunc(func() {})
	if *rp.conf.MirrorTimeout > 0 {
		mCtx, cancel = context.WithTimeout(ctx, *rp.conf.MirrorTimeout)
	}
	defer cancel()

	return repo.Mirror(mCtx)
}

// StartLoop runs MirrorAll, sleeps for the configured interval and repeats
// until ctx is cancelled. Tick errors are logged and never stop the loop.
func (rp *RepoPool) StartLoop(ctx context.Context) {
	if !rp.running.CompareAndSwap(false, true) {
		rp.log.Error("mirror loop has already been started")
		return
	}
	defer rp.running.Store(false)

	rp.log.Info("started mirror loop", "interval", rp.conf.Interval, "throttle", *rp.conf.Throttle)

	for {
		if _, err := rp.MirrorAll(ctx); err != nil {
			rp.log.Error("mirror tick failed", "err", err, "kind", ErrorKind(err))
		}

		rp.log.Info("waiting for next tick", "interval", rp.conf.Interval)

		t := time.NewTimer(rp.conf.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			rp.log.Info("mirror loop stopped")
			return
		}
	}
}

// SeedReport is the outcome of trust seeding.
type SeedReport struct {
	// Hosts in the order they were first referenced
	Hosts []string
	// Errors by host
	Errors map[string]error
}

// SeedTrust connects read-only to every distinct host referenced by the
// configured sources and mirrors so that the host keys are verified (and
// recorded by an auto-trust verifier) before unattended operation.
// Per host errors are collected in the report.
func (rp *RepoPool) SeedTrust(ctx context.Context) (SeedReport, error) {
	report := SeedReport{Errors: map[string]error{}}

	entries, err := rp.load()
	if err != nil {
		return report, err
	}

	type target struct {
		host, url string
		err       error
	}
	var targets []target

	seen := map[string]bool{}
	for _, e := range entries {
		for _, url := range []string{e.Source, e.Mirror} {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			host, ok, err := remoteHost(url)
			if err != nil {
				host = url
			} else if !ok {
				continue
			}
			if seen[host] {
				continue
			}
			seen[host] = true
			targets = append(targets, target{host, url, err})
		}
	}

	for _, t := range targets {
		report.Hosts = append(report.Hosts, t.host)
		if t.err != nil {
			report.Errors[t.host] = errors.Mark(t.err, ErrConfig)
			continue
		}

		if _, err := rp.listRemote(ctx, t.url, rp.auth); err != nil {
			rp.log.Error("unable to connect to host", "host", t.host, "url", t.url, "err", err, "kind", ErrorKind(err))
			report.Errors[t.host] = err
			continue
		}
		rp.log.Info("host verified", "host", t.host)
	}

	return report, nil
}

// remoteHost returns the trust store host id of the given remote, prefixed
// with the protocol for non ssh remotes. Local remotes have no host.
func remoteHost(url string) (string, bool, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return "", false, err
	}
	if ep.Protocol == "file" || ep.Host == "" {
		return "", false, nil
	}

	addr := ep.Host
	if ep.Port != 0 {
		addr = net.JoinHostPort(strings.Trim(ep.Host, "[]"), strconv.Itoa(ep.Port))
	}
	host := truststore.HostID(addr)
	if ep.Protocol != "ssh" {
		host = ep.Protocol + "://" + host
	}
	return host, true, nil
}

// ErrorKind returns the name of the error class of err for logs and
// metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, truststore.ErrUntrusted):
		return "trust"
	case errors.Is(err, credential.ErrCredential):
		return "credential"
	case errors.Is(err, truststore.ErrPersistence):
		return "persistence"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, repository.ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

func logResult(log *slog.Logger, res repository.Result) {
	log = log.With("repo", res.Name)
	switch res.Status {
	case repository.Synced:
		log.Info("mirror cycle complete", "refs", res.Refs, "time", res.Duration)
	case repository.Skipped:
		log.Info("mirror cycle skipped", "reason", res.Reason, "time", res.Duration)
	default:
		log.Error("mirror cycle failed", "err", res.Err, "kind", ErrorKind(res.Err), "time", res.Duration)
	}
}
