// Package cifile locates and parses the repository-committed CI
// configuration file for a commit.
package cifile

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	yaml "gopkg.in/yaml.v3"

	"github.com/proboci/scm-handler/pkg/scm"
)

// ErrNotFound indicates that no CI config file exists in the repository root.
var ErrNotFound = errors.New("no .probo.yml file was found")

// Accepted file names: probo.yml, probo.yaml, proviso.yml, proviso.yaml,
// each with an optional leading dot. Matching is case-sensitive.
var namePattern = regexp.MustCompile(`^\.?(probo|proviso)\.ya?ml$`)

// MatchesName reports whether name follows the CI config naming convention.
func MatchesName(name string) bool {
	return namePattern.MatchString(name)
}

// ContentSource is the slice of the provider client the fetcher needs.
type ContentSource interface {
	ListDirectory(ctx context.Context, owner, repo, ref string) ([]scm.DirEntry, error)
	FileContent(ctx context.Context, owner, repo, ref, path string) ([]byte, error)
}

// Fetch scans the repository root at ref for a CI config file and parses it
// as YAML. Entries are scanned in the order the provider returns them; the
// first match wins. The parsed document is opaque to the pipeline.
func Fetch(ctx context.Context, src ContentSource, owner, repo, ref string) (any, error) {
	entries, err := src.ListDirectory(ctx, owner, repo, ref)
	if err != nil {
		return nil, err
	}

	name := ""
	for _, entry := range entries {
		if MatchesName(entry.Name) {
			name = entry.Name
			break
		}
	}
	if name == "" {
		return nil, ErrNotFound
	}

	content, err := src.FileContent(ctx, owner, repo, ref, name)
	if err != nil {
		return nil, err
	}

	var config any
	if err := yaml.Unmarshal(content, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	return config, nil
}
