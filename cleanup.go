package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/utilitywarehouse/repo-mirror/repolist"
	"github.com/utilitywarehouse/repo-mirror/repository"
)

// cleanupOrphanedRepos deletes cache dirs from root of the repositories
// which are no longer listed. It should be called once at startup before
// the first tick, dirs which are not git repositories are never touched.
func cleanupOrphanedRepos(root string, entries []repolist.Entry, log *slog.Logger) {
	// caches created with either bare setting belong to the source
	known := make(map[string]bool)
	for _, e := range entries {
		for _, bare := range []bool{true, false} {
			if name, err := repository.DirName(e.Source, bare); err == nil {
				known[name] = true
			}
		}
	}

	dirents, err := os.ReadDir(root)
	if err != nil {
		log.Error("unable to read root dir for clean up", "err", err)
		return
	}

	for _, entry := range dirents {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}

		fullPath := filepath.Join(root, entry.Name())

		// non-repo dirs must be skipped
		if _, err := git.PlainOpen(fullPath); err != nil {
			log.Log(context.Background(), -8, "skipping non repo dir", "path", fullPath, "err", err)
			continue
		}

		log.Info("removing orphaned repo dir...", "path", fullPath)
		if err := os.RemoveAll(fullPath); err != nil {
			log.Error("unable to remove orphaned repo dir", "path", fullPath, "err", err)
			continue
		}
	}
}
