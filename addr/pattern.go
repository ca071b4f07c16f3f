/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package addr

import "fmt"

// segKind classifies one compiled pattern segment.
type segKind uint8

const (
	segLiteral segKind = iota
	segSingle          // "*"
	segMulti           // "**"
)

type segment struct {
	kind    segKind
	literal string
}

// Pattern is a compiled subscription pattern, ready for repeated
// matching against concrete addresses. Compile once at Subscribe time.
type Pattern struct {
	raw      string
	segments []segment
	// literalOnly is true when the pattern has no wildcards, enabling
	// the exact-match fast path described in spec section 4.2.
	literalOnly bool
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// LiteralOnly reports whether the pattern contains no wildcard segments.
func (p *Pattern) LiteralOnly() bool { return p.literalOnly }

// Prefix returns the first non-wildcard leading segment, used by the
// subscription index's secondary prefix bucket. A pattern beginning
// with "**" has an empty prefix.
func (p *Pattern) Prefix() string {
	if len(p.segments) == 0 {
		return ""
	}
	if p.segments[0].kind != segLiteral {
		return ""
	}
	return p.segments[0].literal
}

// CompilePattern parses and validates a subscription pattern, allowing
// "*" and "**" wildcard segments per spec section 4.2.
func CompilePattern(s string) (*Pattern, error) {
	parts, err := Split(s)
	if err != nil {
		return nil, err
	}

	segs := make([]segment, 0, len(parts))
	literalOnly := true
	for i, p := range parts {
		switch p {
		case "**":
			segs = append(segs, segment{kind: segMulti})
			literalOnly = false
		case "*":
			segs = append(segs, segment{kind: segSingle})
			literalOnly = false
		default:
			for j := 0; j < len(p); j++ {
				if !validSegmentByte(p[j]) {
					return nil, fmt.Errorf("pattern segment %q (at %d) has an invalid character", p, i)
				}
			}
			segs = append(segs, segment{kind: segLiteral, literal: p})
		}
	}

	return &Pattern{raw: s, segments: segs, literalOnly: literalOnly}, nil
}

// Match reports whether the compiled pattern matches a concrete
// address's segments, using the standard two-pointer "**" algorithm:
// a "**" may absorb zero or more segments, and on mismatch downstream
// we backtrack by growing how much it absorbs.
func (p *Pattern) Match(parts []string) bool {
	return matchSegs(p.segments, parts)
}

func matchSegs(pat []segment, addr []string) bool {
	pi, ai := 0, 0
	starPi, starAi := -1, -1

	for ai < len(addr) {
		if pi < len(pat) {
			switch pat[pi].kind {
			case segMulti:
				starPi, starAi = pi, ai
				pi++
				continue
			case segSingle:
				pi++
				ai++
				continue
			case segLiteral:
				if pat[pi].literal == addr[ai] {
					pi++
					ai++
					continue
				}
			}
		}
		if starPi >= 0 {
			starAi++
			ai = starAi
			pi = starPi + 1
			continue
		}
		return false
	}

	for pi < len(pat) && pat[pi].kind == segMulti {
		pi++
	}

	return pi == len(pat)
}

// MatchString compiles the address only (no pattern compile) and
// matches it against this pattern; convenience for tests and one-off calls.
func (p *Pattern) MatchString(address string) (bool, error) {
	parts, err := Split(address)
	if err != nil {
		return false, err
	}
	return p.Match(parts), nil
}

// Covers reports whether every concrete address matched by other is
// also matched by p, i.e. p is at least as broad as other. This is
// pattern-to-pattern entailment (spec section 4.4's "scope pattern
// must cover requested address or pattern"), not concrete-address
// matching: other may itself carry "*"/"**" wildcards, as it does
// whenever a Subscribe/Query/Snapshot pattern is the thing being
// authorized rather than a single exact address.
func (p *Pattern) Covers(other *Pattern) bool {
	memo := make(map[[2]int]bool)
	return coversFrom(p.segments, other.segments, 0, 0, memo)
}

func coversFrom(a, b []segment, ai, bi int, memo map[[2]int]bool) bool {
	if ai == len(a) {
		return bi == len(b)
	}
	key := [2]int{ai, bi}
	if v, ok := memo[key]; ok {
		return v
	}
	// Guard against pathological recursion before computing, since some
	// branches below recurse with the same bi.
	memo[key] = false

	var result bool
	switch a[ai].kind {
	case segMulti:
		// "**" in the covering scope absorbs anything for the rest of
		// its own pattern: if it's the last segment, everything
		// remaining in other (however it's built, including its own
		// wildcards) is covered.
		if ai == len(a)-1 {
			result = true
			break
		}
		// Otherwise try: absorb nothing more (hand off to the next A
		// segment here), or absorb one more unit of B — a single
		// literal/wildcard segment, or an entire embedded "**" (which
		// a maximally permissive "**" trivially subsumes).
		result = coversFrom(a, b, ai+1, bi, memo)
		if !result && bi < len(b) {
			switch b[bi].kind {
			case segLiteral, segSingle:
				result = coversFrom(a, b, ai, bi+1, memo)
			case segMulti:
				result = coversFrom(a, b, ai, bi+1, memo) || coversFrom(a, b, ai+1, bi+1, memo)
			}
		}
	case segSingle:
		if bi < len(b) && (b[bi].kind == segLiteral || b[bi].kind == segSingle) {
			result = coversFrom(a, b, ai+1, bi+1, memo)
		}
		// A bounded single segment can never cover an unbounded "**"
		// on the other side, nor a position other has none left for.
	case segLiteral:
		if bi < len(b) && b[bi].kind == segLiteral && b[bi].literal == a[ai].literal {
			result = coversFrom(a, b, ai+1, bi+1, memo)
		}
	}

	memo[key] = result
	return result
}
