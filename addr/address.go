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

/*
Package addr implements CLASP hierarchical addresses and glob-style
subscription patterns, plus the matcher used by the subscription index.
*/
package addr

import (
	"fmt"
	"strings"
)

// MaxSegments bounds address depth; beyond this a path is Malformed.
const MaxSegments = 256

// MaxLength bounds the total encoded length of an address string.
const MaxLength = 4096

func validSegmentByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}

// Split breaks a "/"-separated address string into its segments. The
// leading slash is optional on input but segments must be non-empty.
func Split(s string) ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("address is empty")
	}
	if len(s) > MaxLength {
		return nil, fmt.Errorf("address exceeds %d bytes", MaxLength)
	}
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, fmt.Errorf("address has no segments")
	}
	parts := strings.Split(s, "/")
	if len(parts) > MaxSegments {
		return nil, fmt.Errorf("address exceeds %d segments", MaxSegments)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("address has an empty segment")
		}
	}
	return parts, nil
}

// Validate parses an exact (non-pattern) address and rejects wildcards.
func Validate(s string) error {
	parts, err := Split(s)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p == "*" || p == "**" {
			return fmt.Errorf("exact address %q may not contain a wildcard segment", s)
		}
		for i := 0; i < len(p); i++ {
			if !validSegmentByte(p[i]) {
				return fmt.Errorf("address segment %q has an invalid character", p)
			}
		}
	}
	return nil
}

// Canonical returns the address with a single leading slash and no
// trailing slash, assuming it has already been validated.
func Canonical(parts []string) string {
	return "/" + strings.Join(parts, "/")
}
