// Package media streams remote audio (music, announcements) to a connected
// device. A [Player] fetches the source over HTTP, validates that it really
// is audio, transcodes it to the 24 kHz mono PCM the egress pipeline expects,
// and feeds the result to a [Target]. The package also carries a small
// search client for resolving free-text queries to playable track URLs.
package media

import "context"

// Target receives the transcoded audio stream. It is implemented by the
// server's device session.
type Target interface {
	// BeginMedia claims the device's egress pipeline for media playback.
	BeginMedia() error
	// PushPCM feeds one chunk of 24 kHz mono s16le PCM.
	PushPCM(pcm []byte)
	// FinishMedia flushes the stream and releases the pipeline.
	FinishMedia(ctx context.Context) error
}
