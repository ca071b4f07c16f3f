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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatternMatchBoundaries(t *testing.T) {
	cases := []struct {
		pattern string
		address string
		want    bool
	}{
		{"/**", "/a", true},
		{"/**", "/a/b/c", true},
		{"/a/*/b", "/a/x/b", true},
		{"/a/*/b", "/a/b", false},
		{"/a/*/b", "/a/x/y/b", false},
		{"/a/**/b", "/a/b", true},
		{"/a/**/b", "/a/x/b", true},
		{"/a/**/b", "/a/x/y/b", true},
		{"/scene/**", "/scene/1/opacity", true},
		{"/scene/**", "/other/1", false},
	}
	for _, c := range cases {
		p, err := CompilePattern(c.pattern)
		require.NoError(t, err)
		got, err := p.MatchString(c.address)
		require.NoError(t, err)
		require.Equalf(t, c.want, got, "pattern=%s address=%s", c.pattern, c.address)
	}
}

func TestPatternLiteralOnlyAndPrefix(t *testing.T) {
	p, err := CompilePattern("/scene/1/opacity")
	require.NoError(t, err)
	require.True(t, p.LiteralOnly())
	require.Equal(t, "scene", p.Prefix())

	p2, err := CompilePattern("/**")
	require.NoError(t, err)
	require.False(t, p2.LiteralOnly())
	require.Equal(t, "", p2.Prefix())

	p3, err := CompilePattern("/*/b")
	require.NoError(t, err)
	require.Equal(t, "", p3.Prefix())
}

func TestPatternCoversPattern(t *testing.T) {
	cases := []struct {
		covering string
		covered  string
		want     bool
	}{
		{"/scene/*", "/scene/1", true},
		{"/scene/*", "/scene/*", true},
		{"/scene/*", "/scene/**", false}, // a bounded single segment can't cover an unbounded "**"
		{"/scene/**", "/scene/*", true},
		{"/scene/**", "/scene/*/*", true},
		{"/scene/**", "/scene/1/opacity", true},
		{"/scene/**", "/lights/**", false},
		{"/**", "/scene/**", true},
		{"/a/*/b", "/a/x/b", true},
		{"/a/*/b", "/a/**/b", false},
	}
	for _, c := range cases {
		a, err := CompilePattern(c.covering)
		require.NoError(t, err)
		b, err := CompilePattern(c.covered)
		require.NoError(t, err)
		require.Equalf(t, c.want, a.Covers(b), "covering=%s covered=%s", c.covering, c.covered)
	}
}

func TestCompilePatternRejectsMultiAsPartialSegment(t *testing.T) {
	// "**" is only valid as an entire segment, not embedded in one.
	_, err := CompilePattern("/a/**b/c")
	require.Error(t, err)
}
