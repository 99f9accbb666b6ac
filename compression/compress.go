// Package compression implements the adaptive payload transform between the
// tap and the AEAD sealer. It uses klauspost/compress's s2 codec (a faster,
// still Snappy-wire-compatible cousin of compress/flate) and falls back to
// sending the original bytes verbatim when compression does not help or
// errors out.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Wire tags distinguishing a compressed payload from an identity
// passthrough. s2's decoder is not self-delimiting against arbitrary
// uncompressed bytes, so a one-byte discriminator is required on the wire.
const (
	tagIdentity   byte = 0x00
	tagCompressed byte = 0x01
)

// Compress transforms p, preferring the compressed form only when it is
// actually smaller; otherwise (or on any encoder panic) it substitutes the
// identity transform so the frame is still sent.
func Compress(p []byte) (out []byte) {
	defer func() {
		if recover() != nil {
			out = identity(p)
		}
	}()

	encoded := s2.Encode(nil, p)
	if len(encoded) >= len(p) {
		return identity(p)
	}
	out = make([]byte, 0, len(encoded)+1)
	out = append(out, tagCompressed)
	out = append(out, encoded...)
	return out
}

func identity(p []byte) []byte {
	out := make([]byte, 0, len(p)+1)
	out = append(out, tagIdentity)
	return append(out, p...)
}

// Decompress reverses Compress. A malformed or truncated tag is an error;
// callers must treat it as a silent drop of the current inbound frame.
func Decompress(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("empty compressed frame")
	}
	tag, body := p[0], p[1:]
	switch tag {
	case tagIdentity:
		return body, nil
	case tagCompressed:
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %#x", tag)
	}
}
