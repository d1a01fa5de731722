// Package pathspec builds and parses structural addresses: tag and
// same-tag-sibling-index chains that re-identify an element after a DOM
// rebuild or reload, independent of its id attribute.
package pathspec

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	stepSep    = ">"
	indexSep   = ":"
	addressSep = " / "
)

// Step is one ancestor hop: the element tag and its index among siblings
// sharing that tag.
type Step struct {
	Tag   string
	Index int
}

// Path is the chain of steps from the document root down to an element.
type Path []Step

// Node is implemented by anything that can report its own step and parent.
type Node interface {
	PathStep() Step
	ParentNode() (Node, bool)
}

// Of walks n's ancestors and returns its path, root first.
func Of(n Node) Path {
	var rev Path
	for cur, ok := n, n != nil; ok; cur, ok = cur.ParentNode() {
		rev = append(rev, cur.PathStep())
	}
	out := make(Path, len(rev))
	for i, s := range rev {
		out[len(rev)-1-i] = s
	}
	return out
}

func (s Step) String() string {
	return s.Tag + indexSep + strconv.Itoa(s.Index)
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, stepSep)
}

// Equal reports whether both paths address the same element.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Parse is the inverse of Path.String.
func Parse(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("pathspec: empty path")
	}
	segs := strings.Split(s, stepSep)
	out := make(Path, 0, len(segs))
	for i, seg := range segs {
		tag, idx, ok := strings.Cut(seg, indexSep)
		if !ok {
			return nil, fmt.Errorf("pathspec: segment %d %q: missing index", i, seg)
		}
		if !validTag(tag) {
			return nil, fmt.Errorf("pathspec: segment %d %q: invalid tag", i, seg)
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("pathspec: segment %d %q: invalid index", i, seg)
		}
		out = append(out, Step{Tag: tag, Index: n})
	}
	return out, nil
}

func validTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i, r := range tag {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// Address is a frame's structural address: the path of each hosting iframe
// element, outermost first. The top frame has an empty address.
type Address []Path

// Prepend returns a new address with p in front. Used while identify
// messages bubble towards the top frame.
func (a Address) Prepend(p Path) Address {
	out := make(Address, 0, len(a)+1)
	out = append(out, p)
	return append(out, a...)
}

func (a Address) String() string {
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.String()
	}
	return strings.Join(parts, addressSep)
}

// Strings returns the wire form carried by identify messages.
func (a Address) Strings() []string {
	out := make([]string, len(a))
	for i, p := range a {
		out[i] = p.String()
	}
	return out
}

// AddressFromStrings parses the wire form.
func AddressFromStrings(parts []string) (Address, error) {
	out := make(Address, 0, len(parts))
	for _, s := range parts {
		p, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(s string) (Address, error) {
	if strings.TrimSpace(s) == "" {
		return Address{}, nil
	}
	return AddressFromStrings(strings.Split(s, addressSep))
}

// Key builds the persisted-settings key for a surface inside a frame.
func Key(frame Address, surface string) string {
	return frame.String() + "#" + surface
}
