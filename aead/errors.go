// Copyright 2019 Michael J. Fromberger. All Rights Reserved.
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

package aead

import (
	"errors"
	"fmt"
)

// errAppendUnsupported is returned when a caller opens an AEAD stage with
// O_APPEND: the framing protocol has no way to honor append semantics
// directly. Callers that need append should compose a Buffered stage above
// this one, per spec.md's Open Question resolution.
var errAppendUnsupported = errors.New("aead: O_APPEND is not supported; compose a buffered stage above this one")

// errPartialNotAtEOF is returned when a Write supplies fewer than P bytes
// at an offset that is not the current logical end of file: accepting it
// would leave an interior record shorter than the framing format allows.
var errPartialNotAtEOF = errors.New("aead: partial-block write is not at end of file")

func errKeySize(suite Suite, got int) error {
	return fmt.Errorf("aead: cipher %q requires a %d-byte key, got %d", suite.Name, suite.KeySize, got)
}
