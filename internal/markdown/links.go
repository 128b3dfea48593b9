package markdown

import (
	"path"
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractLinks returns the intra-corpus documents referenced by content, in
// first-occurrence order. self is the referring document's own relative path;
// self-references are dropped along with duplicates.
//
// Only relative Markdown targets count as corpus links. External URLs,
// pure-anchor links, and targets goldmark rejects are ignored, never errors.
func ExtractLinks(content, self string) []string {
	src := []byte(content)
	doc := parser.Parser().Parse(text.NewReader(src))

	seen := make(map[string]struct{})
	var targets []string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		link, ok := n.(*ast.Link)
		if !ok {
			return ast.WalkContinue, nil
		}
		target, ok := corpusTarget(string(link.Destination), self)
		if !ok {
			return ast.WalkContinue, nil
		}
		if _, dup := seen[target]; dup {
			return ast.WalkContinue, nil
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
		return ast.WalkContinue, nil
	})

	return targets
}

// corpusTarget normalizes a link destination to a corpus-relative path,
// reporting false for anything that is not an intra-corpus document link.
func corpusTarget(dest, self string) (string, bool) {
	dest = strings.TrimSpace(dest)
	if dest == "" || strings.HasPrefix(dest, "#") {
		return "", false
	}
	// External schemes and protocol-relative URLs are not corpus links.
	if strings.Contains(dest, "://") || strings.HasPrefix(dest, "//") {
		return "", false
	}
	if i := strings.IndexByte(dest, ':'); i >= 0 && !strings.ContainsAny(dest[:i], "/.") {
		return "", false // mailto:, tel:, and friends
	}
	if i := strings.IndexAny(dest, "#?"); i >= 0 {
		dest = dest[:i]
	}
	if !strings.HasSuffix(strings.ToLower(dest), ".md") {
		return "", false
	}

	// Resolve relative to the referring document's directory.
	if !strings.HasPrefix(dest, "/") {
		dest = path.Join(path.Dir(self), dest)
	} else {
		dest = strings.TrimPrefix(path.Clean(dest), "/")
	}
	dest = path.Clean(dest)
	if dest == "" || dest == "." || strings.HasPrefix(dest, "../") {
		return "", false
	}
	if dest == self {
		return "", false
	}
	return dest, true
}
