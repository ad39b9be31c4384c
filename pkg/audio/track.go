package audio

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/types"
)

// TrackInfo describes a playable track. Controllers pass tracks around as
// the base64 string produced by a TrackCodec.
type TrackInfo struct {
	Identifier string `msgpack:"identifier" cbor:"identifier" json:"identifier"`
	Title      string `msgpack:"title" cbor:"title" json:"title"`
	Author     string `msgpack:"author" cbor:"author" json:"author"`
	Length     int64  `msgpack:"length" cbor:"length" json:"length"` // milliseconds
	IsStream   bool   `msgpack:"stream" cbor:"stream" json:"isStream"`
	URI        string `msgpack:"uri,omitempty" cbor:"uri,omitempty" json:"uri,omitempty"`
	Source     string `msgpack:"source,omitempty" cbor:"source,omitempty" json:"source,omitempty"`
}

// TrackCodec converts tracks to and from their wire string.
type TrackCodec interface {
	Encode(info TrackInfo) (string, error)
	Decode(track string) (TrackInfo, error)
	Name() string
}

// NewTrackCodec returns the codec for encoding.
func NewTrackCodec(encoding config.TrackEncoding) (TrackCodec, error) {
	switch encoding {
	case config.TrackEncodingMsgPack, "":
		return MsgPackTrackCodec{}, nil
	case config.TrackEncodingCBOR:
		return NewCBORTrackCodec()
	default:
		return nil, types.NewError(types.ErrCodeInvalidConfig, fmt.Sprintf("unknown track encoding: %s", encoding))
	}
}

func invalidTrack(reason string, cause error) error {
	return types.NewErrorWithCause(types.ErrCodeInvalidTrack, "invalid track", cause).WithDetail("reason", reason)
}

func decodeBase64(track string) ([]byte, error) {
	if track == "" {
		return nil, invalidTrack("empty track", nil)
	}
	data, err := base64.StdEncoding.DecodeString(track)
	if err != nil {
		return nil, invalidTrack("bad base64", err)
	}
	return data, nil
}

func validate(info TrackInfo) (TrackInfo, error) {
	if info.Identifier == "" {
		return info, invalidTrack("missing identifier", nil)
	}
	if info.Length < 0 {
		return info, invalidTrack("negative length", nil)
	}
	return info, nil
}

// MsgPackTrackCodec implements TrackCodec using vmihailenco/msgpack
type MsgPackTrackCodec struct{}

func (MsgPackTrackCodec) Name() string { return string(config.TrackEncodingMsgPack) }

func (MsgPackTrackCodec) Encode(info TrackInfo) (string, error) {
	data, err := msgpack.Marshal(&info)
	if err != nil {
		return "", fmt.Errorf("msgpack encode failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (MsgPackTrackCodec) Decode(track string) (TrackInfo, error) {
	data, err := decodeBase64(track)
	if err != nil {
		return TrackInfo{}, err
	}
	var info TrackInfo
	if err := msgpack.Unmarshal(data, &info); err != nil {
		return TrackInfo{}, invalidTrack("msgpack decode failed", err)
	}
	return validate(info)
}

// CBORTrackCodec implements TrackCodec using fxamacker/cbor
type CBORTrackCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORTrackCodec creates a codec with canonical encoding so equal tracks
// always produce equal strings.
func NewCBORTrackCodec() (*CBORTrackCodec, error) {
	encMode, err := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &CBORTrackCodec{encMode: encMode, decMode: decMode}, nil
}

func (c *CBORTrackCodec) Name() string { return string(config.TrackEncodingCBOR) }

func (c *CBORTrackCodec) Encode(info TrackInfo) (string, error) {
	data, err := c.encMode.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("cbor encode failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *CBORTrackCodec) Decode(track string) (TrackInfo, error) {
	data, err := decodeBase64(track)
	if err != nil {
		return TrackInfo{}, err
	}
	var info TrackInfo
	if err := c.decMode.Unmarshal(data, &info); err != nil {
		return TrackInfo{}, invalidTrack("cbor decode failed", err)
	}
	return validate(info)
}
