package strata

import (
	"cmp"
	"fmt"
	"strings"
)

type segmentKind int

// the order of these matters: it's the order patterns sort in when they
// differ at a segment.
const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentRest
)

type segment struct {
	kind segmentKind
	// text is the literal text for literal segments and the parameter
	// name for the others.
	text string
}

// URIPattern is a parsed page route, like /items/{id} or /docs/{+path}.
//
// A pattern is a sequence of path segments. A segment is either literal text,
// a {name} wildcard matching exactly one non-empty segment, or, as the last
// segment only, a {+name} wildcard matching all remaining segments. Matching
// is anchored: the whole path has to be consumed.
//
// URIPatterns are immutable and safe for concurrent use.
type URIPattern struct {
	raw      string
	segments []segment
	literals int
}

// NewURIPattern parses the passed pattern. The empty pattern is equivalent to
// "/".
func NewURIPattern(pattern string) (URIPattern, error) {
	pattern = canonicalPath(pattern)
	parts := splitPath(pattern)
	result := URIPattern{
		raw:      pattern,
		segments: make([]segment, 0, len(parts)),
	}
	seen := map[string]struct{}{}
	for pos, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return URIPattern{}, fmt.Errorf("%w %q: %w", ErrInvalidURIPattern, pattern, err)
		}
		if seg.kind == segmentRest && pos != len(parts)-1 {
			return URIPattern{}, fmt.Errorf("%w %q: {+%s} must be the last segment", ErrInvalidURIPattern, pattern, seg.text)
		}
		if seg.kind == segmentLiteral {
			result.literals++
		} else {
			if _, ok := seen[seg.text]; ok {
				return URIPattern{}, fmt.Errorf("%w %q: parameter %q used more than once", ErrInvalidURIPattern, pattern, seg.text)
			}
			seen[seg.text] = struct{}{}
		}
		result.segments = append(result.segments, seg)
	}
	return result, nil
}

// MustURIPattern is like NewURIPattern, but panics if the pattern is invalid.
// It's meant for patterns that are constants.
func MustURIPattern(pattern string) URIPattern {
	p, err := NewURIPattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(part string) (segment, error) {
	open := strings.IndexByte(part, '{')
	closing := strings.IndexByte(part, '}')
	if open < 0 && closing < 0 {
		return segment{kind: segmentLiteral, text: part}, nil
	}
	if open != 0 || closing != len(part)-1 || strings.Count(part, "{") != 1 || strings.Count(part, "}") != 1 {
		return segment{}, fmt.Errorf("wildcards must span a whole segment, got %q", part)
	}
	name := part[1 : len(part)-1]
	kind := segmentParam
	if rest, ok := strings.CutPrefix(name, "+"); ok {
		kind = segmentRest
		name = rest
	}
	if name == "" {
		return segment{}, fmt.Errorf("wildcard in %q has no name", part)
	}
	return segment{kind: kind, text: name}, nil
}

// canonicalPath makes sure the root path always has the same
// representation, whether it was passed as "" or "/".
func canonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

// String returns the pattern as it was written, in canonical form.
func (p URIPattern) String() string {
	return p.raw
}

// Match reports whether path matches the pattern and, if it does, the values
// of the pattern's wildcards.
func (p URIPattern) Match(path string) (map[string]string, bool) {
	parts := splitPath(canonicalPath(path))
	params := map[string]string{}
	for pos, seg := range p.segments {
		if pos >= len(parts) {
			return nil, false
		}
		part := parts[pos]
		switch seg.kind {
		case segmentLiteral:
			if part != seg.text {
				return nil, false
			}
		case segmentParam:
			if part == "" {
				return nil, false
			}
			params[seg.text] = part
		case segmentRest:
			rest := strings.Join(parts[pos:], "/")
			if part == "" {
				return nil, false
			}
			params[seg.text] = rest
			return params, true
		}
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// Matches is Match without the parameters.
func (p URIPattern) Matches(path string) bool {
	_, ok := p.Match(path)
	return ok
}

// Compare orders patterns from most to least specific. At the first segment
// where two patterns differ, a literal sorts before a {name} wildcard, which
// sorts before a {+name} wildcard, and literals sort lexically. If one
// pattern is a prefix of the other, the one with more literal segments comes
// first, then the shorter one.
//
// Compare returns a negative number when p sorts before other, which makes
// it usable with slices.SortFunc.
func (p URIPattern) Compare(other URIPattern) int {
	a, b := p, other
	for pos := 0; pos < len(a.segments) && pos < len(b.segments); pos++ {
		segA, segB := a.segments[pos], b.segments[pos]
		if segA.kind != segB.kind {
			return cmp.Compare(segA.kind, segB.kind)
		}
		if segA.kind == segmentLiteral && segA.text != segB.text {
			return strings.Compare(segA.text, segB.text)
		}
	}
	if a.literals != b.literals {
		return cmp.Compare(b.literals, a.literals)
	}
	if len(a.segments) != len(b.segments) {
		return cmp.Compare(len(a.segments), len(b.segments))
	}
	return strings.Compare(a.raw, b.raw)
}
