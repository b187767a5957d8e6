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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Fingerprint derives the stable cache key for a task invocation:
// hex(SHA-256(task_name ‖ canonical(args) ‖ canonical(kwargs))).
//
// The encoding is canonicalized (mapping keys sorted recursively) so the
// fingerprint is identical across processes and hosts regardless of the
// codec in use. This is a deliberate strengthening over implementations
// that hash a non-canonical encoding.
func Fingerprint(taskName string, args []any, kwargs map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(taskName))
	h.Write([]byte{0})

	canonArgs, err := canonicalize(args)
	if err != nil {
		return "", err
	}
	h.Write(canonArgs)
	h.Write([]byte{0})

	canonKwargs, err := canonicalize(kwargs)
	if err != nil {
		return "", err
	}
	h.Write(canonKwargs)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize produces a deterministic byte encoding of value: the
// value is reduced to generic JSON types, then written with all mapping
// keys sorted.
func canonicalize(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &fluxerrors.EncodeError{Codec: "json", Cause: err}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &fluxerrors.DecodeError{Codec: "json", Cause: err}
	}
	var sb strings.Builder
	writeCanonical(&sb, generic)
	return []byte(sb.String()), nil
}

// writeCanonical renders a generic JSON value deterministically.
func writeCanonical(sb *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			sb.Write(enc)
			sb.WriteByte(':')
			writeCanonical(sb, v[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case float64:
		// strconv-style shortest representation, the same formatting
		// encoding/json uses, so floats hash identically everywhere.
		enc, _ := json.Marshal(v)
		sb.Write(enc)
	case string:
		enc, _ := json.Marshal(v)
		sb.Write(enc)
	case bool:
		fmt.Fprintf(sb, "%t", v)
	case nil:
		sb.WriteString("null")
	default:
		enc, _ := json.Marshal(v)
		sb.Write(enc)
	}
}
