//go:build !linux

package call

import (
	"context"

	"github.com/rs/zerolog/log"
)

// CaptureSource has no hardware capture off Linux: pion/mediadevices needs
// platform drivers (V4L2/malgo). Calls proceed receive-only.
type CaptureSource struct{}

func NewCaptureSource() *CaptureSource { return &CaptureSource{} }

type emptyStream struct{}

func (emptyStream) Tracks() []Track { return nil }

func (s *CaptureSource) Acquire(ctx context.Context) (Stream, error) {
	log.Warn().Str("module", "call.capture").Msg("no capture drivers on this platform, receive-only")
	return emptyStream{}, nil
}
