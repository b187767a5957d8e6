// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

func TestJSONRoundTrip(t *testing.T) {
	c := JSON{}
	data, err := c.Encode(map[string]any{"greeting": "Hello, World", "count": 3})
	require.NoError(t, err)

	value, err := c.Decode(data)
	require.NoError(t, err)

	m, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hello, World", m["greeting"])
	assert.Equal(t, float64(3), m["count"])
}

func TestJSONEncodeError(t *testing.T) {
	_, err := JSON{}.Encode(make(chan int))
	require.Error(t, err)
	var encErr *fluxerrors.EncodeError
	assert.ErrorAs(t, err, &encErr)
}

func TestJSONDecodeError(t *testing.T) {
	_, err := JSON{}.Decode([]byte("{not json"))
	require.Error(t, err)
	var decErr *fluxerrors.DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestGobRoundTrip(t *testing.T) {
	c := Gob{}
	data, err := c.Encode([]any{"a", map[string]any{"k": "v"}})
	require.NoError(t, err)

	value, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", map[string]any{"k": "v"}}, value)
}

func TestGobCodecMismatch(t *testing.T) {
	data, err := JSON{}.Encode("plain string")
	require.NoError(t, err)

	_, err = Gob{}.Decode(data)
	var decErr *fluxerrors.DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestForName(t *testing.T) {
	c, err := ForName("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ForName("general")
	require.NoError(t, err)
	assert.Equal(t, "general", c.Name())

	_, err = ForName("pickle")
	assert.Error(t, err)
}

func TestFingerprintStable(t *testing.T) {
	a, err := Fingerprint("transform", []any{1, "x"}, map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Fingerprint("transform", []any{1, "x"}, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	// Key order must not affect the fingerprint.
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintSensitivity(t *testing.T) {
	base, err := Fingerprint("transform", []any{1}, nil)
	require.NoError(t, err)

	byName, err := Fingerprint("transform2", []any{1}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, byName)

	byArgs, err := Fingerprint("transform", []any{2}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, byArgs)

	byKwargs, err := Fingerprint("transform", []any{1}, map[string]any{"k": true})
	require.NoError(t, err)
	assert.NotEqual(t, base, byKwargs)
}

func TestFingerprintNestedMaps(t *testing.T) {
	a, err := Fingerprint("t", []any{map[string]any{"outer": map[string]any{"z": 1, "a": 2}}}, nil)
	require.NoError(t, err)
	b, err := Fingerprint("t", []any{map[string]any{"outer": map[string]any{"a": 2, "z": 1}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
