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
	"encoding/binary"
	"fmt"
)

// header is the parsed form of the authenticated per-file header: plaintext
// record size, cipher name, IV, the ciphertext of an empty record (pads the
// header to the cipher's block size), and the authentication tag over the
// header prefix and that empty record.
type header struct {
	plainSize    int64
	cipherName   string
	iv           []byte
	emptyRecord  []byte
	tag          []byte
	prefixLength int // bytes of the encoded header preceding the IV (P and cipher name); this is the AAD
}

// encodeHeaderPrefix packs the fields that precede the IV: P, cipher name.
// This is the associated data authenticated (but not encrypted) by the
// empty-record tag; the IV is not part of it.
func encodeHeaderPrefix(plainSize int64, cipherName string) []byte {
	buf := make([]byte, 0, 4+1+len(cipherName))
	buf = appendUint32(buf, uint32(plainSize))
	buf = appendByteString(buf, []byte(cipherName))
	return buf
}

func encodeHeader(h header) []byte {
	buf := encodeHeaderPrefix(h.plainSize, h.cipherName)
	buf = appendByteString(buf, h.iv)
	buf = appendByteString(buf, h.emptyRecord)
	buf = appendByteString(buf, h.tag)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	rest := buf

	if len(rest) < 4 {
		return h, fmt.Errorf("aead: header truncated reading plaintext size")
	}
	h.plainSize = int64(binary.BigEndian.Uint32(rest))
	rest = rest[4:]

	name, rest2, err := takeByteString(rest)
	if err != nil {
		return h, fmt.Errorf("aead: header truncated reading cipher name: %w", err)
	}
	h.cipherName = string(name)
	h.prefixLength = len(buf) - len(rest2)
	rest = rest2

	iv, rest, err := takeByteString(rest)
	if err != nil {
		return h, fmt.Errorf("aead: header truncated reading IV: %w", err)
	}
	h.iv = iv

	empty, rest, err := takeByteString(rest)
	if err != nil {
		return h, fmt.Errorf("aead: header truncated reading empty record: %w", err)
	}
	h.emptyRecord = empty

	tag, _, err := takeByteString(rest)
	if err != nil {
		return h, fmt.Errorf("aead: header truncated reading tag: %w", err)
	}
	h.tag = tag

	return h, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// appendByteString appends a 1-byte length followed by data; the header
// format limits each field to 255 bytes, comfortably above any IV, tag, or
// cipher name this registry produces.
func appendByteString(buf, data []byte) []byte {
	if len(data) > 255 {
		panic("aead: header field too long")
	}
	buf = append(buf, byte(len(data)))
	return append(buf, data...)
}

func takeByteString(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("missing length byte")
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return nil, nil, fmt.Errorf("short field: want %d bytes, have %d", n, len(buf)-1)
	}
	return buf[1 : 1+n], buf[1+n:], nil
}
