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

package stage

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadAll repeats Read on s until len(buf) bytes have been read, end of file
// is reached, or an error occurs. It stops early only on a partial read that
// is not itself block-aligned (i.e. the final block of the file), matching
// the framework's read_all helper.
func ReadAll(ctx context.Context, s Stage, buf []byte, offset int64) (int, error) {
	var got int
	for got < len(buf) {
		n, err := s.Read(ctx, buf[got:], offset+int64(got))
		if err != nil {
			return got, err
		}
		got += n
		if n == 0 {
			break // end of file
		}
		bs := s.BlockSize()
		if bs > 1 && int64(n)%bs != 0 {
			break // final partial block; nothing more to read
		}
	}
	return got, nil
}

// WriteAll repeats Write on s until all of buf has been written or an error
// occurs.
func WriteAll(ctx context.Context, s Stage, buf []byte, offset int64) error {
	var put int
	for put < len(buf) {
		n, err := s.Write(ctx, buf[put:], offset+int64(put))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("write_all: stage accepted 0 bytes of %d remaining", len(buf)-put)
		}
		put += n
	}
	return nil
}

// sizeLen is the width in bytes of the length prefix used by ReadSized and
// WriteSized; the framework specifies a 4-byte big-endian length.
const sizeLen = 4

// MaxRecordSize bounds the length prefix read by ReadSized, guarding against
// a corrupted prefix causing an enormous allocation.
const MaxRecordSize = 1 << 30

// ReadSized reads a length-prefixed record from s at offset: a 4-byte
// big-endian length followed by that many bytes. It returns the record
// payload and the offset immediately following it.
func ReadSized(ctx context.Context, s Stage, offset int64) ([]byte, int64, error) {
	var hdr [sizeLen]byte
	n, err := ReadAll(ctx, s, hdr[:], offset)
	if err != nil {
		return nil, offset, err
	}
	if n == 0 {
		return nil, offset, io.EOF
	}
	if n != sizeLen {
		return nil, offset, Errorf("stage", "ReadSized", CodeStack, ErrRecordCorrupted)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxRecordSize {
		return nil, offset, Errorf("stage", "ReadSized", CodeStack, ErrRecordCorrupted)
	}
	payload := make([]byte, size)
	if size > 0 {
		got, err := ReadAll(ctx, s, payload, offset+sizeLen)
		if err != nil {
			return nil, offset, err
		}
		if got != int(size) {
			return nil, offset, Errorf("stage", "ReadSized", CodeStack, ErrRecordCorrupted)
		}
	}
	return payload, offset + sizeLen + int64(size), nil
}

// WriteSized writes a length-prefixed record to s at offset: a 4-byte
// big-endian length followed by data. It returns the offset immediately
// following the record.
func WriteSized(ctx context.Context, s Stage, data []byte, offset int64) (int64, error) {
	var hdr [sizeLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if err := WriteAll(ctx, s, hdr[:], offset); err != nil {
		return offset, err
	}
	if len(data) > 0 {
		if err := WriteAll(ctx, s, data, offset+sizeLen); err != nil {
			return offset, err
		}
	}
	return offset + sizeLen + int64(len(data)), nil
}

// PutUint32 and PutUint64 append big-endian encodings to buf, mirroring the
// framework's pack helpers used by header and index formats.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
