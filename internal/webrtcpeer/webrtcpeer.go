// Package webrtcpeer wraps a pion PeerConnection carrying one bidirectional
// Opus audio track, the media leg of a call set up over the signaling broker.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	Logger *slog.Logger
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger.With("component", "pion"))
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}
