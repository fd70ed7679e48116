// Package addr compiles and matches CLASP addresses: slash-delimited
// paths such as "/studio/console1/fader3", matched against patterns
// that may contain "*" (exactly one segment) and "**" (zero or more
// segments). Compiled patterns back both one-off capability checks
// (session read/write pattern lists) and the subscription engine's
// trie-indexed fanout (index.go).
package addr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySegment is returned when a pattern or address contains an
	// empty segment between two slashes, e.g. "/a//b". Leading and
	// trailing slashes are trimmed and are not errors.
	ErrEmptySegment = errors.New("addr: empty path segment")
	// ErrAdjacentMulti is returned when a pattern contains "**" directly
	// followed by another "**", which can never match anything "**"
	// alone doesn't already match.
	ErrAdjacentMulti = errors.New("addr: adjacent ** segments")
)

type segKind uint8

const (
	segLiteral segKind = iota
	segSingle          // "*"
	segMulti           // "**"
)

type segment struct {
	kind segKind
	lit  string
}

// Pattern is a compiled address pattern.
type Pattern struct {
	raw string
	seg []segment
}

// String returns the pattern's original text.
func (p Pattern) String() string { return p.raw }

// Split breaks a slash-delimited path into segments. Leading and
// trailing slashes are trimmed first ("/" and "" yield no segments);
// an empty segment left after that (a double slash) is rejected.
func Split(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return nil, ErrEmptySegment
		}
	}
	return parts, nil
}

// Compile parses a pattern string into a Pattern.
func Compile(pattern string) (Pattern, error) {
	parts, err := Split(pattern)
	if err != nil {
		return Pattern{}, fmt.Errorf("addr: compile %q: %w", pattern, err)
	}

	segs := make([]segment, 0, len(parts))
	prevMulti := false
	for _, part := range parts {
		switch part {
		case "**":
			if prevMulti {
				return Pattern{}, fmt.Errorf("addr: compile %q: %w", pattern, ErrAdjacentMulti)
			}
			segs = append(segs, segment{kind: segMulti})
			prevMulti = true
			continue
		case "*":
			segs = append(segs, segment{kind: segSingle})
		default:
			if strings.ContainsAny(part, "*") {
				return Pattern{}, fmt.Errorf("addr: compile %q: %q mixes a literal with a wildcard", pattern, part)
			}
			segs = append(segs, segment{kind: segLiteral, lit: part})
		}
		prevMulti = false
	}

	return Pattern{raw: pattern, seg: segs}, nil
}

// IsConcrete reports whether address is a valid, wildcard-free path:
// no "*"/"**" segment and no empty segment. SET and PUBLISH addresses
// must satisfy this (spec.md §3 invariant 7); only SUBSCRIBE patterns
// may contain wildcards.
func IsConcrete(address string) bool {
	parts, err := Split(address)
	if err != nil || len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if strings.ContainsAny(p, "*") {
			return false
		}
	}
	return true
}

// MustCompile is like Compile but panics on error. Intended for
// compile-time-constant patterns (config defaults, tests).
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether address matches the pattern. address must
// contain no wildcards.
func (p Pattern) Matches(address string) (bool, error) {
	segs, err := Split(address)
	if err != nil {
		return false, fmt.Errorf("addr: match %q: %w", address, err)
	}
	return matchSegs(p.seg, 0, segs, 0), nil
}

// Matches is a package-level convenience around Compile+Pattern.Matches
// for one-off checks (e.g. validating a capability token entry).
func Matches(pattern, address string) (bool, error) {
	p, err := Compile(pattern)
	if err != nil {
		return false, err
	}
	return p.Matches(address)
}

// Overlaps reports whether any concrete address could match both a
// and b, without enumerating concrete addresses. Two segments are
// compatible if either is "*"/"**" (which admit anything in their
// position) or they are equal literals; "**" additionally admits
// skipping any number of segments on its own side, mirroring
// matchSegs's consume loop but walking two pattern segment lists
// instead of one pattern against one address.
func Overlaps(a, b Pattern) bool {
	return overlapSegs(a.seg, 0, b.seg, 0)
}

func overlapSegs(a []segment, ai int, b []segment, bi int) bool {
	if ai == len(a) && bi == len(b) {
		return true
	}
	if ai < len(a) && a[ai].kind == segMulti {
		for consume := 0; bi+consume <= len(b); consume++ {
			if overlapSegs(a, ai+1, b, bi+consume) {
				return true
			}
		}
	}
	if bi < len(b) && b[bi].kind == segMulti {
		for consume := 0; ai+consume <= len(a); consume++ {
			if overlapSegs(a, ai+consume, b, bi+1) {
				return true
			}
		}
	}
	if ai < len(a) && bi < len(b) && a[ai].kind != segMulti && b[bi].kind != segMulti {
		if a[ai].kind == segLiteral && b[bi].kind == segLiteral && a[ai].lit != b[bi].lit {
			return false
		}
		return overlapSegs(a, ai+1, b, bi+1)
	}
	return false
}

// matchSegs recursively matches pattern segments p[pi:] against
// address segments a[ai:]. "**" is matched by trying every possible
// number of consumed address segments before continuing the match on
// the rest of the pattern — the same non-deterministic strategy used
// by the trie index (index.go), expressed directly over a slice
// instead of over trie nodes.
func matchSegs(p []segment, pi int, a []string, ai int) bool {
	if pi == len(p) {
		return ai == len(a)
	}
	switch p[pi].kind {
	case segLiteral:
		if ai < len(a) && a[ai] == p[pi].lit {
			return matchSegs(p, pi+1, a, ai+1)
		}
		return false
	case segSingle:
		if ai < len(a) {
			return matchSegs(p, pi+1, a, ai+1)
		}
		return false
	case segMulti:
		for consume := 0; ai+consume <= len(a); consume++ {
			if matchSegs(p, pi+1, a, ai+consume) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
