// Package tenant defines the isolation boundary every document and chunk is
// scoped by. A tenant is the triple (project, branch, path hash); two
// checkouts of the same project on different branches, or at different
// locations on disk, never share index state.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidTenant indicates an empty or malformed tenant context.
var ErrInvalidTenant = errors.New("invalid tenant context")

// Context identifies one isolation boundary. Immutable after construction.
type Context struct {
	Project  string `json:"project"`
	Branch   string `json:"branch"`
	PathHash string `json:"path_hash"`
}

// New builds a tenant context for a project checkout rooted at root.
// The root is cleaned and made absolute before hashing so the same directory
// always yields the same tenant regardless of how the path was spelled.
func New(project, branch, root string) (Context, error) {
	if strings.TrimSpace(project) == "" {
		return Context{}, fmt.Errorf("%w: empty project name", ErrInvalidTenant)
	}
	if strings.TrimSpace(branch) == "" {
		return Context{}, fmt.Errorf("%w: empty branch name", ErrInvalidTenant)
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return Context{}, fmt.Errorf("%w: resolving root %q: %v", ErrInvalidTenant, root, err)
	}
	return Context{
		Project:  project,
		Branch:   branch,
		PathHash: HashPath(abs),
	}, nil
}

// HashPath returns the 16-byte hex fingerprint of a filesystem path.
func HashPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:16])
}

// Key returns the "project/branch" form used for config lookups and log attrs.
func (c Context) Key() string {
	return c.Project + "/" + c.Branch
}

// Valid reports whether all three components are present.
func (c Context) Valid() bool {
	return c.Project != "" && c.Branch != "" && c.PathHash != ""
}

// String implements Stringer for log output.
func (c Context) String() string {
	return c.Key() + "@" + c.PathHash[:min(8, len(c.PathHash))]
}
