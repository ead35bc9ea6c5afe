package repository

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/utilitywarehouse/repo-mirror/internal/lock"
	"github.com/utilitywarehouse/repo-mirror/internal/utils"
)

const (
	defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

	originRemote = "origin"
	mirrorRemote = "mirror"

	// local branch heads are overwritten to match origin, never merged
	headsRefSpec = config.RefSpec("+refs/heads/*:refs/heads/*")
)

// ErrTransport marks clone, fetch, list and push failures.
var ErrTransport = errors.New("transport error")

// Authenticator returns the auth method to use for the given remote URL.
// A nil auth method means no authentication.
type Authenticator interface {
	AuthMethod(remote string) (transport.AuthMethod, error)
}

// Repository is the local cache of a source repository and its mirror.
// A Repository is safe for concurrent use by multiple goroutines, mirror
// cycles of the same repository are serialised.
type Repository struct {
	lock   lock.Mutex
	name   string // name of the repository used in logs and metrics
	source string
	mirror string
	dir    string // absolute path to the local cache
	bare   bool
	auth   Authenticator
	log    *slog.Logger
}

// New creates new repository from the given config. The source is not
// cloned until Mirror is called.
func New(conf Config, auth Authenticator, log *slog.Logger) (*Repository, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	dirName, err := conf.dirName()
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	name, _ := DirName(conf.Source, false)

	return &Repository{
		name:   name,
		source: conf.Source,
		mirror: conf.Mirror,
		dir:    filepath.Join(conf.Root, dirName),
		bare:   conf.Bare,
		auth:   auth,
		log:    log.With("repo", name),
	}, nil
}

// Name returns the repository name.
func (r *Repository) Name() string {
	return r.name
}

// Dir returns the absolute path of the local cache.
func (r *Repository) Dir() string {
	return r.dir
}

// Mirror runs one mirror cycle. Errors are never returned directly, they
// are reported on a Failed result.
func (r *Repository) Mirror(ctx context.Context) (res Result) {
	r.lock.Lock()
	defer r.lock.Unlock()

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		recordGitMirror(r.name, res)
		updateMirrorLatency(r.name, start)
	}()

	refs, err := r.mirrorCycle(ctx)
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return Skip(r.name, r.source, r.mirror, "source repository is empty")
	case err != nil:
		return Fail(r.name, r.source, r.mirror, err)
	case r.mirror == "":
		return Skip(r.name, r.source, r.mirror, "no mirror configured")
	case len(refs) == 0:
		return Skip(r.name, r.source, r.mirror, "source has no branch heads")
	}

	return Result{Name: r.name, Source: r.source, Mirror: r.mirror, Status: Synced, Refs: refs}
}

func (r *Repository) mirrorCycle(ctx context.Context) ([]string, error) {
	repo, err := r.materialize(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to materialize local cache")
	}

	if err := r.fetch(ctx, repo); err != nil {
		return nil, errors.Wrap(err, "unable to fetch source")
	}

	if r.mirror == "" {
		return nil, nil
	}

	heads, err := r.heads(ctx, repo)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list source heads")
	}

	if len(heads) == 0 {
		return nil, nil
	}

	if err := r.push(ctx, repo, heads); err != nil {
		return nil, errors.Wrap(err, "unable to push to mirror")
	}
	return heads, nil
}

// materialize opens the local cache or clones the source into it.
func (r *Repository) materialize(ctx context.Context) (*git.Repository, error) {
	_, err := os.Stat(r.dir)
	switch {
	case os.IsNotExist(err):
		r.log.Info("repo directory does not exist, cloning", "path", r.dir)
	case err != nil:
		return nil, errors.Wrap(err, "unable to verify repo dir")
	default:
		repo, err := r.open()
		if err == nil {
			r.log.Log(ctx, -8, "existing repo directory is valid", "path", r.dir)
			return repo, nil
		}
		// a stale or corrupt cache is never reused. since the dir is
		// owned by this repository it can be deleted and cloned again
		r.log.Error("repo directory failed checks, re-creating...", "path", r.dir, "err", err)
		if err := utils.ReCreate(r.dir); err != nil {
			return nil, err
		}
	}

	return r.clone(ctx)
}

func (r *Repository) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open repository")
	}

	remote, err := repo.Remote(originRemote)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read origin remote")
	}
	// origin is compared as written, any edit to source re-clones the cache
	if urls := remote.Config().URLs; len(urls) != 1 || urls[0] != r.source {
		return nil, errors.Newf("origin %v does not match source %s", urls, r.source)
	}
	return repo, nil
}

func (r *Repository) clone(ctx context.Context) (*git.Repository, error) {
	auth, err := authMethod(r.auth, r.source)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(r.dir, defaultDirMode); err != nil {
		return nil, errors.Wrap(err, "unable to create repo dir")
	}

	repo, err := git.PlainCloneContext(ctx, r.dir, r.bare, &git.CloneOptions{
		URL:        r.source,
		Auth:       auth,
		RemoteName: originRemote,
	})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			// an empty clone leaves nothing useful behind
			os.RemoveAll(r.dir)
			return nil, err
		}
		return nil, errors.Mark(errors.Wrap(err, "unable to clone"), ErrTransport)
	}

	r.log.Info("cloned source", "path", r.dir, "bare", r.bare)
	return repo, nil
}

func (r *Repository) fetch(ctx context.Context, repo *git.Repository) error {
	auth, err := authMethod(r.auth, r.source)
	if err != nil {
		return err
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: originRemote,
		RefSpecs:   []config.RefSpec{headsRefSpec},
		Auth:       auth,
		Force:      true,
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		r.log.Log(ctx, -8, "fetch: already up-to-date")
		return nil
	case err != nil:
		return errors.Mark(err, ErrTransport)
	}

	r.log.Debug("fetched source")
	return nil
}

// heads returns the branch heads advertised by origin which are present in
// the local cache.
func (r *Repository) heads(ctx context.Context, repo *git.Repository) ([]string, error) {
	remote, err := repo.Remote(originRemote)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read origin remote")
	}

	auth, err := authMethod(r.auth, r.source)
	if err != nil {
		return nil, err
	}

	advertised, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return nil, errors.Mark(err, ErrTransport)
	}

	var heads []string
	for _, name := range branchHeads(advertised) {
		if _, err := repo.Reference(plumbing.ReferenceName(name), false); err != nil {
			// origin moved on between fetch and list
			r.log.Warn("advertised head not found locally, skipping", "ref", name, "err", err)
			continue
		}
		heads = append(heads, name)
	}
	return heads, nil
}

// push force pushes given heads to a transient mirror remote. The remote
// is deleted before returning, even on failure.
func (r *Repository) push(ctx context.Context, repo *git.Repository, heads []string) (err error) {
	// a previous cycle can only leave the remote behind if the process
	// died mid push
	switch err := repo.DeleteRemote(mirrorRemote); {
	case err == nil:
		r.log.Warn("removed leaked mirror remote")
	case !errors.Is(err, git.ErrRemoteNotFound):
		return errors.Wrap(err, "unable to remove leaked mirror remote")
	}

	remote, err := repo.CreateRemote(&config.RemoteConfig{
		Name: mirrorRemote,
		URLs: []string{r.mirror},
	})
	if err != nil {
		return errors.Wrap(err, "unable to create mirror remote")
	}
	defer func() {
		if dErr := repo.DeleteRemote(mirrorRemote); dErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(dErr, "unable to delete mirror remote"))
			return
		}
		r.log.Log(ctx, -8, "deleted mirror remote")
	}()

	auth, err := authMethod(r.auth, r.mirror)
	if err != nil {
		return err
	}

	err = remote.PushContext(ctx, &git.PushOptions{
		RemoteName: mirrorRemote,
		RefSpecs:   mirrorRefSpecs(heads),
		Auth:       auth,
		Force:      true,
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		r.log.Log(ctx, -8, "push: mirror already up-to-date")
		return nil
	case err != nil:
		return errors.Mark(err, ErrTransport)
	}

	r.log.Debug("pushed heads to mirror", "refs", len(heads))
	return nil
}

// ListRemote connects to the given remote read-only and returns its
// advertised branch heads. Nothing is written to disk. An empty remote
// returns no heads and no error.
func ListRemote(ctx context.Context, url string, auth Authenticator) ([]string, error) {
	am, err := authMethod(auth, url)
	if err != nil {
		return nil, err
	}

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: originRemote,
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: am})
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil, nil
	case err != nil:
		return nil, errors.Mark(errors.Wrapf(err, "unable to list %s", url), ErrTransport)
	}
	return branchHeads(refs), nil
}

func authMethod(auth Authenticator, remote string) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}
	return auth.AuthMethod(remote)
}
