// Package giturl derives local directory names from git remote urls.
package giturl

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// RepoDirName returns the name of the local directory for the given remote.
// It is the last path segment of the url with trailing `.git` removed. Case
// of the url is preserved.
func RepoDirName(rawURL string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")

	name := trimmed
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		name = trimmed[i+1:]
	}
	name = strings.TrimSuffix(name, ".git")

	if name == "" || name == "." || name == ".." {
		return "", errors.Newf("unable to derive repository name from '%s'", rawURL)
	}
	return name, nil
}
