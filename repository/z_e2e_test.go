package repository

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/go-cmp/cmp"
)

const (
	testUpstreamRepo = "upstream1"
	testMirrorRepo   = "mirror1"
	testRoot         = "root"

	testMainBranch = "main"
	testGitUser    = "repo-mirror-e2e"
)

var (
	testLog = slog.Default()
	txtCtx  = context.TODO()
)

// ##############################################
// Mirror Tests
// ##############################################

func Test_mirror_first_and_second_tick(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	mustCommit(t, up, "file", t.Name())
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)

	t.Log("TEST-1: first tick clones, fetches and pushes")
	res := repo.Mirror(txtCtx)
	assertResult(t, res, Synced, []string{"refs/heads/main"})
	assertSameHeads(t, upstream, mirror)
	assertNoMirrorRemote(t, repo.Dir())

	if _, err := os.Stat(filepath.Join(root, testUpstreamRepo+".git")); err != nil {
		t.Fatalf("expected bare cache dir: %v", err)
	}

	t.Log("TEST-2: second tick without upstream change")
	res = repo.Mirror(txtCtx)
	assertResult(t, res, Synced, []string{"refs/heads/main"})
	assertSameHeads(t, upstream, mirror)
	assertNoMirrorRemote(t, repo.Dir())
}

func Test_mirror_upstream_changes(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	hash := mustCommit(t, up, "file", t.Name())
	mustBranch(t, up, "dev", hash)
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)

	t.Log("TEST-1: mirror all heads")
	res := repo.Mirror(txtCtx)
	assertResult(t, res, Synced, []string{"refs/heads/dev", "refs/heads/main"})
	assertSameHeads(t, upstream, mirror)

	t.Log("TEST-2: new commit on main and new branch")
	hash2 := mustCommit(t, up, "file", t.Name()+"-2")
	mustBranch(t, up, "feature/x", hash2)

	res = repo.Mirror(txtCtx)
	assertResult(t, res, Synced, []string{"refs/heads/dev", "refs/heads/feature/x", "refs/heads/main"})
	assertSameHeads(t, upstream, mirror)

	t.Log("TEST-3: force pushed (rewritten) branch upstream")
	mustBranch(t, up, "dev", hash2)
	mustBranch(t, up, "feature/x", hash)

	res = repo.Mirror(txtCtx)
	assertResult(t, res, Synced, []string{"refs/heads/dev", "refs/heads/feature/x", "refs/heads/main"})
	assertSameHeads(t, upstream, mirror)
}

func Test_mirror_deleted_upstream_branch(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	hash := mustCommit(t, up, "file", t.Name())
	mustBranch(t, up, "dev", hash)
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)
	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/dev", "refs/heads/main"})

	if err := up.Storer.RemoveReference("refs/heads/dev"); err != nil {
		t.Fatalf("unable to delete branch: %v", err)
	}

	res := repo.Mirror(txtCtx)
	assertResult(t, res, Synced, []string{"refs/heads/main"})

	// stale branches are not pruned from the mirror
	got := mustHeads(t, mirror)
	if _, ok := got["refs/heads/dev"]; !ok {
		t.Errorf("expected stale branch to stay on mirror got %v", got)
	}
}

func Test_mirror_local_only_refs_are_not_pushed(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	hash := mustCommit(t, up, "file", t.Name())
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)
	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})

	// ref introduced locally, e.g. by a previous faulty push
	cache, err := git.PlainOpen(repo.Dir())
	if err != nil {
		t.Fatalf("unable to open cache: %v", err)
	}
	mustBranch(t, cache, "rogue", hash)

	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})
	if _, ok := mustHeads(t, mirror)["refs/heads/rogue"]; ok {
		t.Errorf("local only branch was pushed to mirror")
	}
}

func Test_mirror_unreachable_mirror(t *testing.T) {
	upstream, _, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	mustCommit(t, up, "file", t.Name())

	repo, err := New(Config{
		Source: fileURL(upstream),
		Mirror: fileURL(filepath.Join(t.TempDir(), "does-not-exist")),
		Root:   root,
		Bare:   true,
	}, nil, testLog)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := repo.Mirror(txtCtx)
	if res.Status != Failed {
		t.Fatalf("expected failed result got %v", res.Status)
	}
	if !errors.Is(res.Err, ErrTransport) {
		t.Errorf("expected transport error got %v", res.Err)
	}
	// cleanup must run on failed push
	assertNoMirrorRemote(t, repo.Dir())
}

// countingAuth counts the connections made to each remote.
type countingAuth struct {
	calls map[string]int
}

func (a *countingAuth) AuthMethod(remote string) (transport.AuthMethod, error) {
	a.calls[remote]++
	return nil, nil
}

func Test_mirror_fetch_only(t *testing.T) {
	upstream, _, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	mustCommit(t, up, "file", t.Name())

	auth := &countingAuth{calls: map[string]int{}}
	repo, err := New(Config{Source: fileURL(upstream), Root: root, Bare: true}, auth, testLog)
	if err != nil {
		t.Fatalf("unable to create repository: %v", err)
	}

	for range 2 {
		res := repo.Mirror(txtCtx)
		if res.Status != Skipped || res.Reason != "no mirror configured" {
			t.Fatalf("expected skipped result got %v %q %v", res.Status, res.Reason, res.Err)
		}
	}
	// source is still fetched into the cache
	assertSameHeads(t, upstream, repo.Dir())

	// clone + fetch, then fetch. heads are never listed without a mirror
	if got := auth.calls[fileURL(upstream)]; got != 3 {
		t.Errorf("expected 3 connections to source got %d", got)
	}
}

func Test_mirror_empty_source(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	if _, err := git.PlainInit(upstream, true); err != nil {
		t.Fatalf("unable to init upstream: %v", err)
	}
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)

	res := repo.Mirror(txtCtx)
	if res.Status != Skipped {
		t.Fatalf("expected skipped result got %v %v", res.Status, res.Err)
	}
	if _, err := os.Stat(repo.Dir()); !os.IsNotExist(err) {
		t.Errorf("expected no cache dir for empty source, err: %v", err)
	}
}

func Test_mirror_recreates_cache_with_diff_origin(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	mustCommit(t, up, "file", t.Name())
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)

	t.Log("TEST-1: cache dir with a different origin")
	other, err := git.PlainInit(repo.Dir(), true)
	if err != nil {
		t.Fatalf("unable to init other repo: %v", err)
	}
	if _, err := other.CreateRemote(&config.RemoteConfig{
		Name: originRemote,
		URLs: []string{"https://example.test/other/" + testUpstreamRepo + ".git"},
	}); err != nil {
		t.Fatalf("unable to create remote: %v", err)
	}

	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})
	assertSameHeads(t, upstream, mirror)

	t.Log("TEST-2: cache dir with garbage")
	if err := os.RemoveAll(repo.Dir()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(repo.Dir(), defaultDirMode); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo.Dir(), "junk"), []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})
	if _, err := os.Stat(filepath.Join(repo.Dir(), "junk")); !os.IsNotExist(err) {
		t.Errorf("expected junk to be removed, err: %v", err)
	}
}

func Test_mirror_source_edited_between_ticks(t *testing.T) {
	requireGit(t)
	tmp := t.TempDir()
	root := filepath.Join(tmp, testRoot)
	mirror := filepath.Join(tmp, testMirrorRepo)
	mustInitMirror(t, mirror)

	// sources differ only in case and share the cache dir name
	oldSource := filepath.Join(tmp, "A", testUpstreamRepo)
	newSource := filepath.Join(tmp, "a", testUpstreamRepo)
	mustCommit(t, mustInitUpstream(t, oldSource), "file", t.Name()+"-old")
	newHash := mustCommit(t, mustInitUpstream(t, newSource), "file", t.Name()+"-new")

	t.Log("TEST-1: mirror old source")
	repo := mustNewRepo(t, oldSource, mirror, root, true)
	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})
	assertSameHeads(t, oldSource, mirror)

	t.Log("TEST-2: source edited, next tick must mirror the new source")
	repo = mustNewRepo(t, newSource, mirror, root, true)
	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})
	assertSameHeads(t, newSource, mirror)
	if got := mustHeads(t, mirror)["refs/heads/main"]; got != newHash.String() {
		t.Errorf("expected mirror main at %s got %s", newHash, got)
	}

	cache, err := git.PlainOpen(repo.Dir())
	if err != nil {
		t.Fatalf("unable to open cache: %v", err)
	}
	origin, err := cache.Remote(originRemote)
	if err != nil {
		t.Fatalf("unable to read origin: %v", err)
	}
	if diff := cmp.Diff([]string{fileURL(newSource)}, origin.Config().URLs); diff != "" {
		t.Errorf("origin mismatch (-want +got):\n%s", diff)
	}
}

func Test_mirror_leaked_mirror_remote(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	mustCommit(t, up, "file", t.Name())
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)
	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})

	cache, err := git.PlainOpen(repo.Dir())
	if err != nil {
		t.Fatalf("unable to open cache: %v", err)
	}
	if _, err := cache.CreateRemote(&config.RemoteConfig{
		Name: mirrorRemote,
		URLs: []string{"https://example.test/stale/mirror.git"},
	}); err != nil {
		t.Fatalf("unable to create remote: %v", err)
	}

	mustCommit(t, up, "file", t.Name()+"-2")

	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/main"})
	assertSameHeads(t, upstream, mirror)
	assertNoMirrorRemote(t, repo.Dir())
}

func Test_mirror_non_bare_cache(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	hash := mustCommit(t, up, "file", t.Name())
	mustBranch(t, up, "dev", hash)
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, false)
	if repo.Dir() != filepath.Join(root, testUpstreamRepo) {
		t.Errorf("unexpected cache dir %s", repo.Dir())
	}

	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/dev", "refs/heads/main"})
	assertSameHeads(t, upstream, mirror)

	// working copy is checked out
	if _, err := os.Stat(filepath.Join(repo.Dir(), "file")); err != nil {
		t.Errorf("expected checked out file: %v", err)
	}

	mustCommit(t, up, "file", t.Name()+"-2")
	assertResult(t, repo.Mirror(txtCtx), Synced, []string{"refs/heads/dev", "refs/heads/main"})
	assertSameHeads(t, upstream, mirror)
}

func Test_mirror_cancelled_context(t *testing.T) {
	upstream, mirror, root := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	mustCommit(t, up, "file", t.Name())
	mustInitMirror(t, mirror)

	repo := mustNewRepo(t, upstream, mirror, root, true)

	ctx, cancel := context.WithCancel(txtCtx)
	cancel()

	if res := repo.Mirror(ctx); res.Status != Failed {
		t.Errorf("expected failed result got %v", res.Status)
	}
}

func TestListRemote(t *testing.T) {
	upstream, empty, _ := mustTestDirs(t)

	up := mustInitUpstream(t, upstream)
	hash := mustCommit(t, up, "file", t.Name())
	mustBranch(t, up, "dev", hash)
	if _, err := up.CreateTag("v1", hash, nil); err != nil {
		t.Fatalf("unable to tag: %v", err)
	}
	mustInitMirror(t, empty)

	got, err := ListRemote(txtCtx, fileURL(upstream), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"refs/heads/dev", "refs/heads/main"}, got); diff != "" {
		t.Errorf("ListRemote() mismatch (-want +got):\n%s", diff)
	}

	got, err = ListRemote(txtCtx, fileURL(empty), nil)
	if err != nil {
		t.Fatalf("unexpected error for empty remote: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no heads got %v", got)
	}

	if _, err := ListRemote(txtCtx, fileURL(filepath.Join(t.TempDir(), "missing")), nil); !errors.Is(err, ErrTransport) {
		t.Errorf("expected transport error got %v", err)
	}
}

func TestNew_invalid_config(t *testing.T) {
	tests := []struct {
		name string
		conf Config
	}{
		{"empty-source", Config{Root: "/tmp"}},
		{"relative-root", Config{Source: "https://example.test/repo.git", Root: "tmp"}},
		{"bad-name", Config{Source: "https://example.test/..", Root: "/tmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.conf, nil, testLog); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

// ##############################################
// HELPER FUNCS
// ##############################################

func requireGit(t *testing.T) {
	t.Helper()
	// the file transport runs git-upload-pack and git-receive-pack
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary is required for file transport")
	}
}

func mustTestDirs(t *testing.T) (upstream, mirror, root string) {
	t.Helper()
	requireGit(t)

	testTmpDir := t.TempDir()
	return filepath.Join(testTmpDir, testUpstreamRepo),
		filepath.Join(testTmpDir, testMirrorRepo),
		filepath.Join(testTmpDir, testRoot)
}

func fileURL(path string) string {
	return "file://" + path
}

func mustNewRepo(t *testing.T, upstream, mirror, root string, bare bool) *Repository {
	t.Helper()

	var mirrorURL string
	if mirror != "" {
		mirrorURL = fileURL(mirror)
	}
	repo, err := New(Config{Source: fileURL(upstream), Mirror: mirrorURL, Root: root, Bare: bare}, nil, testLog)
	if err != nil {
		t.Fatalf("unable to create repository: %v", err)
	}
	return repo
}

func mustInitUpstream(t *testing.T, dir string) *git.Repository {
	t.Helper()

	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(testMainBranch)},
	})
	if err != nil {
		t.Fatalf("unable to init upstream: %v", err)
	}
	return repo
}

func mustInitMirror(t *testing.T, dir string) {
	t.Helper()

	if _, err := git.PlainInit(dir, true); err != nil {
		t.Fatalf("unable to init mirror: %v", err)
	}
}

func mustCommit(t *testing.T, repo *git.Repository, file, content string) plumbing.Hash {
	t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("unable to get worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Filesystem.Root(), file), []byte(content), 0644); err != nil {
		t.Fatalf("unable to write file: %v", err)
	}
	if _, err := wt.Add(file); err != nil {
		t.Fatalf("unable to add file: %v", err)
	}
	hash, err := wt.Commit(content, &git.CommitOptions{
		Author: &object.Signature{Name: testGitUser, Email: testGitUser + "@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("unable to commit: %v", err)
	}
	return hash
}

func mustBranch(t *testing.T, repo *git.Repository, name string, hash plumbing.Hash) {
	t.Helper()

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("unable to set branch %s: %v", name, err)
	}
}

func mustHeads(t *testing.T, dir string) map[string]string {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("unable to open %s: %v", dir, err)
	}
	iter, err := repo.Branches()
	if err != nil {
		t.Fatalf("unable to list branches: %v", err)
	}
	heads := map[string]string{}
	iter.ForEach(func(ref *plumbing.Reference) error {
		heads[ref.Name().String()] = ref.Hash().String()
		return nil
	})
	return heads
}

func assertSameHeads(t *testing.T, upstream, mirror string) {
	t.Helper()

	if diff := cmp.Diff(mustHeads(t, upstream), mustHeads(t, mirror)); diff != "" {
		t.Errorf("mirror heads mismatch (-upstream +mirror):\n%s", diff)
	}
}

func assertResult(t *testing.T, res Result, status Status, refs []string) {
	t.Helper()

	if res.Status != status {
		t.Fatalf("expected status %s got %s (reason: %q err: %v)", status, res.Status, res.Reason, res.Err)
	}
	if diff := cmp.Diff(refs, res.Refs); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
	if res.Name != testUpstreamRepo {
		t.Errorf("expected name %s got %s", testUpstreamRepo, res.Name)
	}
}

func assertNoMirrorRemote(t *testing.T, dir string) {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("unable to open %s: %v", dir, err)
	}
	if _, err := repo.Remote(mirrorRemote); !errors.Is(err, git.ErrRemoteNotFound) {
		t.Errorf("expected mirror remote to be deleted, err: %v", err)
	}
}
