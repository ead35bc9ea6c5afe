package repository

import (
	"slices"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// branchHeads returns sorted names of the non symbolic refs in the
// branch-heads namespace.
func branchHeads(refs []*plumbing.Reference) []string {
	var heads []string
	for _, ref := range refs {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsBranch() {
			continue
		}
		heads = append(heads, ref.Name().String())
	}
	slices.Sort(heads)
	return slices.Compact(heads)
}

// mirrorRefSpecs maps every head to the same name on the destination.
func mirrorRefSpecs(heads []string) []config.RefSpec {
	specs := make([]config.RefSpec, 0, len(heads))
	for _, h := range heads {
		specs = append(specs, config.RefSpec("+"+h+":"+h))
	}
	return specs
}
