package audio

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/types"
)

func TestTrackCodecs(t *testing.T) {
	info := TrackInfo{
		Identifier: "dQw4w9WgXcQ",
		Title:      "Never Gonna Give You Up",
		Author:     "Rick Astley",
		Length:     212_000,
		URI:        "https://example.com/watch?v=dQw4w9WgXcQ",
		Source:     "http",
	}

	for _, enc := range []config.TrackEncoding{config.TrackEncodingMsgPack, config.TrackEncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			codec, err := NewTrackCodec(enc)
			require.NoError(t, err)
			assert.Equal(t, string(enc), codec.Name())

			track, err := codec.Encode(info)
			require.NoError(t, err)

			got, err := codec.Decode(track)
			require.NoError(t, err)
			assert.Equal(t, info, got)
		})
	}
}

func TestTrackCodecRejectsBadInput(t *testing.T) {
	for _, enc := range []config.TrackEncoding{config.TrackEncodingMsgPack, config.TrackEncodingCBOR} {
		codec, err := NewTrackCodec(enc)
		require.NoError(t, err)

		inputs := map[string]string{
			"empty":   "",
			"base64":  "%%%",
			"garbage": base64.StdEncoding.EncodeToString([]byte{0xc1, 0xff, 0x00}),
		}
		for name, in := range inputs {
			_, err := codec.Decode(in)
			code, ok := types.CodeOf(err)
			require.True(t, ok, "%s/%s", enc, name)
			assert.Equal(t, types.ErrCodeInvalidTrack, code, "%s/%s", enc, name)
		}

		noID, err := codec.Encode(TrackInfo{Title: "x"})
		require.NoError(t, err)
		_, err = codec.Decode(noID)
		assert.Error(t, err)
	}
}

func TestUnknownTrackEncoding(t *testing.T) {
	_, err := NewTrackCodec("protobuf")
	assert.Error(t, err)
}
