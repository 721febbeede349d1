package media

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// minAudioBytes rejects error pages and stub responses that some hosts serve
// with a 200 status.
const minAudioBytes = 1024

var errNotAudio = errors.New("response does not look like audio")

// audioContentType matches content types media hosts actually use for audio
// payloads, including the generic octet-stream many CDNs fall back to.
var audioContentType = regexp.MustCompile(`(?i)^(audio/|application/octet-stream|binary/octet-stream|application/ogg)`)

// SniffAudio reports whether a fetched response body is plausibly an audio
// file. The content type is trusted when it is an audio type; otherwise the
// body must carry a known audio magic number. HTML and JSON bodies are
// rejected outright since they indicate an error page.
func SniffAudio(contentType string, body []byte) error {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("%w: content type %q", errNotAudio, contentType)
	}
	if len(body) < minAudioBytes {
		return fmt.Errorf("%w: body is %d bytes", errNotAudio, len(body))
	}
	if audioContentType.MatchString(ct) {
		return nil
	}
	if hasAudioMagic(body) {
		return nil
	}
	return fmt.Errorf("%w: content type %q and no audio signature", errNotAudio, contentType)
}

// hasAudioMagic checks for ID3-tagged MP3, raw MPEG sync, and FLAC headers.
func hasAudioMagic(body []byte) bool {
	if bytes.HasPrefix(body, []byte("ID3")) {
		return true
	}
	if bytes.HasPrefix(body, []byte("fLaC")) {
		return true
	}
	// MPEG audio frame sync: 11 set bits at the start of the frame header.
	if len(body) >= 2 && body[0] == 0xFF && body[1]&0xE0 == 0xE0 {
		return true
	}
	return false
}
