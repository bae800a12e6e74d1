package peerlink

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// appendFrame renders data as comma-joined decimal byte values followed by sep.
func appendFrame(dst, data []byte, sep string) []byte {
	for i, b := range data {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendUint(dst, uint64(b), 10)
	}
	return append(dst, sep...)
}

// parseFrame is the inverse of appendFrame for one fragment without its separator.
func parseFrame(text []byte) ([]byte, error) {
	fields := bytes.Split(text, []byte{','})
	data := make([]byte, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(string(f), 10, 8)
		if err != nil {
			return nil, &DeserializationError{Err: errors.Wrapf(err, "frame byte %d", i)}
		}
		data[i] = byte(v)
	}
	return data, nil
}

// splitFrames cuts buf on sep. The trailing fragment, possibly incomplete,
// is returned as rest. Empty fragments are dropped.
func splitFrames(buf []byte, sep string) (frames [][]byte, rest []byte) {
	parts := bytes.Split(buf, []byte(sep))
	rest = parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		if len(p) > 0 {
			frames = append(frames, p)
		}
	}
	return frames, rest
}

func validSeparator(sep string) bool {
	return sep != "" && !strings.ContainsAny(sep, "0123456789,")
}
