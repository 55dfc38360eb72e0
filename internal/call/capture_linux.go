//go:build linux

package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// captureTrack wraps a mediadevices track behind the Track interface.
// SetEnabled is purely local: nothing is renegotiated or signaled.
type captureTrack struct {
	t    mediadevices.Track
	kind string

	mu       sync.Mutex
	enabled  bool
	stopOnce sync.Once
	stopErr  error
}

func (c *captureTrack) Kind() string { return c.kind }

func (c *captureTrack) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *captureTrack) SetEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

func (c *captureTrack) Stop() error {
	c.stopOnce.Do(func() { c.stopErr = c.t.Close() })
	return c.stopErr
}

func (c *captureTrack) RTPTrack() webrtc.TrackLocal { return c.t }

type captureStream struct {
	tracks []Track
}

func (s *captureStream) Tracks() []Track { return s.tracks }

// CaptureSource acquires camera+microphone via pion/mediadevices (V4L2 and
// malgo on Linux).
type CaptureSource struct{}

func NewCaptureSource() *CaptureSource { return &CaptureSource{} }

// Acquire opens audio+video capture with VP8+Opus encoders. Both tracks are
// enabled by default. GetUserMedia fails as a unit if either track can't be
// opened, so try video+audio first and fall back to single-kind capture.
func (s *CaptureSource) Acquire(ctx context.Context) (Stream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("module", "call.capture").Str("attempt", a.label).Msg("GetUserMedia failed")
			continue
		}

		tracks := make([]Track, 0, 2)
		for _, t := range ms.GetTracks() {
			kind := TrackKindAudio
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				kind = TrackKindVideo
			}
			tracks = append(tracks, &captureTrack{t: t, kind: kind, enabled: true})
		}
		log.Info().Str("module", "call.capture").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return &captureStream{tracks: tracks}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}
