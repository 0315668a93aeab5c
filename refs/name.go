// Package refs implements the reference model, the loose and packed-refs
// readers, and the all-or-nothing ref-update transaction engine.
package refs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned when a candidate reference name violates
// Git's naming rules.
var ErrInvalidName = errors.New("refs: invalid reference name")

// FullName is a reference name already validated against Git's naming
// rules: no "..", no "@{", no control characters, no trailing ".lock", no
// component beginning with ".", none of "~^:?*[\\".
type FullName string

// pseudoRefs are bare names accepted without the usual refs/ prefix.
var pseudoRefs = map[string]bool{
	"HEAD":      true,
	"FETCH_HEAD": true,
	"ORIG_HEAD": true,
	"MERGE_HEAD": true,
}

// NewFullName validates s and returns it as a FullName.
func NewFullName(s string) (FullName, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if pseudoRefs[s] {
		return FullName(s), nil
	}
	if strings.HasSuffix(s, ".lock") {
		return "", fmt.Errorf("%w: %q ends with .lock", ErrInvalidName, s)
	}
	if strings.Contains(s, "..") {
		return "", fmt.Errorf("%w: %q contains ..", ErrInvalidName, s)
	}
	if strings.Contains(s, "@{") {
		return "", fmt.Errorf("%w: %q contains @{", ErrInvalidName, s)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: %q contains a control character", ErrInvalidName, s)
		}
	}
	for _, c := range []string{"~", "^", ":", "?", "*", "[", "\\"} {
		if strings.Contains(s, c) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidName, s, c)
		}
	}
	components := strings.Split(s, "/")
	for _, c := range components {
		if c == "" {
			return "", fmt.Errorf("%w: %q has an empty component", ErrInvalidName, s)
		}
		if strings.HasPrefix(c, ".") {
			return "", fmt.Errorf("%w: %q has a component beginning with .", ErrInvalidName, s)
		}
	}
	return FullName(s), nil
}

func (n FullName) String() string { return string(n) }

// precedence is the ordered list of prefixes try_find consults to resolve a
// short name, first hit wins.
var precedence = []string{
	"",
	"refs/",
	"refs/tags/",
	"refs/heads/",
	"refs/remotes/",
	"refs/remotes/%s/HEAD",
}

// Candidates returns the fully-qualified names short should be tried as, in
// Git's precedence order, given it is not already a FullName-shaped string.
func Candidates(short string) []string {
	if strings.HasPrefix(short, "refs/") || pseudoRefs[short] {
		return []string{short}
	}
	out := make([]string, 0, len(precedence))
	for _, p := range precedence {
		if strings.Contains(p, "%s") {
			out = append(out, fmt.Sprintf(p, short))
			continue
		}
		out = append(out, p+short)
	}
	return out
}
