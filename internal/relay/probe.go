package relay

import (
	"bytes"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// probe fills in the asset metadata that can be read from the bytes. Probing
// is best effort: an undecodable body leaves the fields zero.
func probe(asset *models.Asset, body []byte) {
	switch asset.Kind {
	case models.MediaImage:
		if img, err := imaging.Decode(bytes.NewReader(body)); err == nil {
			b := img.Bounds()
			asset.Width, asset.Height = b.Dx(), b.Dy()
		}
	case models.MediaAudio:
		if d, ok := audioDuration(asset.ContentType, body); ok {
			asset.DurationSeconds = d.Seconds()
		}
	}
}

func audioDuration(contentType string, body []byte) (time.Duration, bool) {
	switch contentType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		dec := wav.NewDecoder(bytes.NewReader(body))
		if !dec.IsValidFile() {
			return 0, false
		}
		d, err := dec.Duration()
		if err != nil {
			return 0, false
		}
		return d, true
	case "audio/mpeg", "audio/mp3":
		dec, err := mp3.NewDecoder(bytes.NewReader(body))
		if err != nil || dec.SampleRate() == 0 {
			return 0, false
		}
		// Length is in bytes of 16-bit stereo PCM: four bytes per sample frame.
		frames := dec.Length() / 4
		return time.Duration(frames) * time.Second / time.Duration(dec.SampleRate()), true
	default:
		return 0, false
	}
}
