package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PayloadKind tells how a chunk's bytes were delivered.
type PayloadKind int

const (
	PayloadRaw PayloadKind = iota
	PayloadBase64
)

// ChunkPayload holds the data of a FilePart. Depending on the transport the
// service returns either raw bytes or base64 text; the variant is fixed when
// the response is decoded and callers only ever see Bytes().
type ChunkPayload struct {
	kind PayloadKind
	text string
	raw  []byte
}

// RawPayload wraps bytes delivered as-is.
func RawPayload(b []byte) ChunkPayload {
	return ChunkPayload{kind: PayloadRaw, raw: b}
}

// Base64Payload wraps base64 text.
func Base64Payload(s string) ChunkPayload {
	return ChunkPayload{kind: PayloadBase64, text: s}
}

// Kind returns the delivered variant.
func (p ChunkPayload) Kind() PayloadKind {
	return p.kind
}

// Bytes returns the decoded chunk content.
func (p ChunkPayload) Bytes() ([]byte, error) {
	if p.kind == PayloadRaw {
		return p.raw, nil
	}
	b, err := base64.StdEncoding.DecodeString(p.text)
	if err != nil {
		return nil, fmt.Errorf("decode base64 chunk: %w", err)
	}
	return b, nil
}

// MarshalJSON always emits base64 text.
func (p ChunkPayload) MarshalJSON() ([]byte, error) {
	if p.kind == PayloadBase64 {
		return json.Marshal(p.text)
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(p.raw))
}

// UnmarshalJSON accepts a base64 string or an array of byte values.
func (p *ChunkPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Base64Payload(s)
	case len(data) > 0 && data[0] == '[':
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return err
		}
		vals := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("chunk byte %d out of range: %d", i, v)
			}
			vals[i] = byte(v)
		}
		*p = RawPayload(vals)
	case bytes.Equal(data, []byte("null")):
		*p = RawPayload(nil)
	default:
		return fmt.Errorf("unsupported chunk payload: %.20s", data)
	}
	return nil
}
