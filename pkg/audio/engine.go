package audio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/meftunca/voxlink/pkg/types"
)

// FrameDuration is the length of one opus frame.
const FrameDuration = 20 * time.Millisecond

// ErrFrameUnavailable is returned by Stream.ReadFrame when the decoder could
// not produce the next frame in time. The frame counts as lost.
var ErrFrameUnavailable = errors.New("audio: frame unavailable")

// Engine opens decodable streams for tracks.
type Engine interface {
	Open(track TrackInfo) (Stream, error)
}

// Stream yields the opus frames of one track. ReadFrame returns io.EOF after
// the last frame.
type Stream interface {
	ReadFrame() ([]byte, error)
	// Position is the playback position in milliseconds.
	Position() int64
	Seek(position int64) error
	Close() error
}

// OpusSilence is a single opus frame of silence.
var OpusSilence = []byte{0xF8, 0xFF, 0xFE}

// SilenceEngine plays opus silence for the length of every track. Streams
// (Length 0 or IsStream) never end.
type SilenceEngine struct{}

func (SilenceEngine) Open(track TrackInfo) (Stream, error) {
	if track.Identifier == "" {
		return nil, types.NewError(types.ErrCodePlaybackError, "track has no identifier")
	}
	frames := track.Length / FrameDuration.Milliseconds()
	if track.IsStream || track.Length == 0 {
		frames = -1
	}
	return &silenceStream{total: frames}, nil
}

type silenceStream struct {
	mu     sync.Mutex
	total  int64 // -1 for endless
	read   int64
	closed bool
}

func (s *silenceStream) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if s.total >= 0 && s.read >= s.total {
		return nil, io.EOF
	}
	s.read++
	return OpusSilence, nil
}

func (s *silenceStream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read * FrameDuration.Milliseconds()
}

func (s *silenceStream) Seek(position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total < 0 {
		return types.NewError(types.ErrCodePlaybackError, "stream is not seekable")
	}
	frame := max(position, 0) / FrameDuration.Milliseconds()
	s.read = min(frame, s.total)
	return nil
}

func (s *silenceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
