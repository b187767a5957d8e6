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

package execution

import (
	"encoding/json"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// decodeWireError decodes a journaled WORKFLOW_FAILED value. A payload
// that is not a WorkflowError document degrades to an execution-kind
// error carrying the raw text.
func decodeWireError(value []byte) *fluxerrors.WorkflowError {
	if len(value) == 0 {
		return nil
	}
	var we fluxerrors.WorkflowError
	if err := json.Unmarshal(value, &we); err != nil || we.Kind == "" {
		return &fluxerrors.WorkflowError{Kind: "execution", Message: string(value)}
	}
	return &we
}

// EncodeWireError encodes an error to its journal form.
func EncodeWireError(err error) []byte {
	data, mErr := json.Marshal(fluxerrors.ToWire(err))
	if mErr != nil {
		return []byte(`{"kind":"execution","message":"unencodable error"}`)
	}
	return data
}

// DecodeWireError is the exported decoding counterpart.
func DecodeWireError(value []byte) *fluxerrors.WorkflowError {
	return decodeWireError(value)
}
