package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/types"
)

// Codec encodes and decodes control messages.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// NewCodec returns the codec selected by cfg.
func NewCodec(cfg config.JSONConfig) (Codec, error) {
	switch cfg.Library {
	case config.JSONLibrarySonic:
		return NewSonicCodec(cfg), nil
	case config.JSONLibraryStandard, "":
		return NewStandardCodec(cfg), nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidConfig, fmt.Sprintf("unknown json library: %s", cfg.Library))
	}
}

// StandardCodec implements Codec using encoding/json
type StandardCodec struct {
	escapeHTML bool
}

// NewStandardCodec creates a new standard JSON codec
func NewStandardCodec(cfg config.JSONConfig) *StandardCodec {
	return &StandardCodec{escapeHTML: cfg.EscapeHTML}
}

func (c *StandardCodec) Name() string { return string(config.JSONLibraryStandard) }

// Marshal encodes v without the trailing newline json.Encoder adds.
func (c *StandardCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(c.escapeHTML)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c *StandardCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DecodeOp reads only the op of a raw message.
func DecodeOp(c Codec, data []byte) (Op, error) {
	var h Header
	if err := c.Unmarshal(data, &h); err != nil {
		return "", types.ErrInvalidMessage("malformed json", err)
	}
	if h.Op == "" {
		return "", types.ErrInvalidMessage("missing op", nil)
	}
	return h.Op, nil
}

// Decode unmarshals a raw message into its payload, wrapping failures.
func Decode[T any](c Codec, data []byte) (T, error) {
	var msg T
	if err := c.Unmarshal(data, &msg); err != nil {
		return msg, types.ErrInvalidMessage("malformed payload", err)
	}
	return msg, nil
}
