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

package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	buf, err := Encode(nil, v)
	require.NoError(t, err)
	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	return got
}

func TestRoundTripPrimitives(t *testing.T) {
	vs := []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int(-12345),
		Float(0.5),
		String("hello/世界"),
		Bytes([]byte{0, 1, 2, 255}),
	}
	for _, v := range vs {
		got := roundTrip(t, v)
		require.True(t, v.Equal(got), "kind=%s", v.Kind())
	}
}

func TestRoundTripComposite(t *testing.T) {
	arr := Array([]Value{Int(1), String("x"), Array([]Value{Bool(true)})})
	got := roundTrip(t, arr)
	require.True(t, arr.Equal(got))

	m := Map([]Entry{
		{Key: "a", Value: Int(1)},
		{Key: "b", Value: String("s")},
	})
	gotM := roundTrip(t, m)
	require.True(t, m.Equal(gotM))
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode([]byte{})
	require.Error(t, err)

	_, _, err = Decode([]byte{tagInt, 1, 2})
	require.Error(t, err)

	_, _, err = Decode([]byte{tagString, 0, 2, 0xff, 0xfe})
	require.Error(t, err)

	_, _, err = Decode([]byte{0xaa})
	require.Error(t, err)
}

func TestMapDedup(t *testing.T) {
	m := Map([]Entry{
		{Key: "a", Value: Int(1)},
		{Key: "a", Value: Int(2)},
	})
	entries, ok := m.AsMap()
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, Int(2), entries[0].Value)
}
