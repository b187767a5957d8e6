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

// Package codec encodes task and workflow inputs, outputs, and errors to
// durable bytes, and derives stable content fingerprints from task
// inputs. Two codecs are provided: a structured JSON codec and a general
// gob codec for arbitrary registered Go values. Encoded payloads travel
// base64-wrapped inside JSON documents.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Codec encodes and decodes values to durable bytes.
type Codec interface {
	// Name identifies the codec ("json" or "general").
	Name() string

	// Encode turns a value into bytes.
	Encode(value any) ([]byte, error)

	// Decode turns bytes back into a value.
	Decode(data []byte) (any, error)
}

// ForName returns the codec registered under name.
func ForName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSON{}, nil
	case "general":
		return Gob{}, nil
	default:
		return nil, &fluxerrors.ConfigError{Key: "serializer", Reason: "unknown codec " + name}
	}
}

// JSON is the structured codec. It handles JSON-compatible values only;
// decoded payloads use the generic JSON types (map[string]any, []any,
// float64, string, bool, nil).
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Encode implements Codec.
func (JSON) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &fluxerrors.EncodeError{Codec: "json", Cause: err}
	}
	return data, nil
}

// Decode implements Codec.
func (JSON) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, &fluxerrors.DecodeError{Codec: "json", Cause: err}
	}
	return value, nil
}

// DecodeInto unmarshals data into a typed destination.
func (JSON) DecodeInto(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &fluxerrors.DecodeError{Codec: "json", Cause: err}
	}
	return nil
}

// Gob is the general codec. It encodes any gob-registered in-memory Go
// value. Values are wrapped in an envelope so the concrete type survives
// the interface boundary.
type Gob struct{}

type gobEnvelope struct {
	Value any
}

// Name implements Codec.
func (Gob) Name() string { return "general" }

// Encode implements Codec.
func (Gob) Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobEnvelope{Value: value}); err != nil {
		return nil, &fluxerrors.EncodeError{Codec: "gob", Cause: err}
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (Gob) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, &fluxerrors.DecodeError{Codec: "gob", Cause: err}
	}
	return env.Value, nil
}

// Register makes a concrete type encodable by the general codec. Call it
// from init in packages whose task outputs are not JSON-shaped.
func Register(value any) {
	gob.Register(value)
}

func init() {
	// Types the builtins and generic JSON decoding produce.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}
