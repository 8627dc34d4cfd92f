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

package splitfile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
	"golang.org/x/crypto/blake2b"
)

// manifest records the segment size a splitfile was created with and the
// number of segments known to be fully written (segSize bytes each); the
// final segment may be shorter and is sized by statting it directly. The
// manifest exists so Size does not have to probe every segment file on
// every Open — only the bookkeeping it might be stale about.
//
// The checksum is a truncated blake2b sum of the manifest's own two fields,
// so it detects a corrupted or truncated manifest. It does not cover the
// segment files: a segment renamed, reordered, or replaced is not detected.
type manifest struct {
	segSize     int64
	fullSegment int64
}

const checksumSize = 8 // truncated blake2b-256 sum
const manifestLen = 8 + 8 + checksumSize

func encodeManifest(m manifest) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.segSize))
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.fullSegment))
	sum := blake2b.Sum256(buf)
	out := make([]byte, manifestLen)
	copy(out, buf)
	copy(out[16:], sum[:checksumSize])
	return out
}

func decodeManifest(buf []byte) (manifest, error) {
	if len(buf) != manifestLen {
		return manifest{}, fmt.Errorf("splitfile: manifest has %d bytes, want %d", len(buf), manifestLen)
	}
	sum := blake2b.Sum256(buf[:16])
	var got [checksumSize]byte
	copy(got[:], buf[16:])
	if string(got[:]) != string(sum[:checksumSize]) {
		return manifest{}, fmt.Errorf("splitfile: manifest checksum mismatch")
	}
	return manifest{
		segSize:     int64(binary.BigEndian.Uint64(buf[0:8])),
		fullSegment: int64(binary.BigEndian.Uint64(buf[8:16])),
	}, nil
}

func writeManifest(path string, m manifest, mode os.FileMode) error {
	return atomicfile.WriteData(path, encodeManifest(m), mode)
}

func readManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	return decodeManifest(data)
}
