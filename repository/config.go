package repository

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/utilitywarehouse/repo-mirror/giturl"
)

// Config represents the config of a single mirrored repository.
type Config struct {
	// git URL of the source repository
	Source string

	// git URL of the mirror remote. empty means the source is only fetched
	Mirror string

	// Root is the absolute path to the root dir where repo dir
	// will be created
	Root string

	// Bare creates the local cache without a working copy
	Bare bool
}

// dirName returns the name of the local cache directory. Bare caches get
// a `.git` suffix.
func (c Config) dirName() (string, error) {
	name, err := giturl.RepoDirName(c.Source)
	if err != nil {
		return "", err
	}
	if c.Bare {
		name += ".git"
	}
	return name, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("repository source cannot be empty")
	}
	if !filepath.IsAbs(c.Root) {
		return errors.Newf("repository root '%s' must be absolute", c.Root)
	}
	return nil
}

// DirName returns the local cache directory name used for the given source.
func DirName(source string, bare bool) (string, error) {
	return Config{Source: source, Bare: bare}.dirName()
}
