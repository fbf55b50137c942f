package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"os"
	"path/filepath"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
)

// saveMedia decodes the envelope's payload into a uuid-named file under
// the media directory and probes image dimensions where the format
// allows. Dimension probing is best-effort; width and height stay zero
// for non-images and unsupported formats.
func (s *Service) saveMedia(env *envelope.Envelope) (path string, width, height int, err error) {
	data, err := base64.StdEncoding.DecodeString(env.MediaPayload)
	if err != nil {
		return "", 0, 0, fmt.Errorf("decode media payload: %w", err)
	}

	name := uuid.NewString() + extForMime(env.MimeType)
	path = filepath.Join(s.mediaDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, 0, fmt.Errorf("write media file: %w", err)
	}

	if env.Kind == envelope.KindImage {
		if cfg, _, derr := image.DecodeConfig(bytes.NewReader(data)); derr == nil {
			width, height = cfg.Width, cfg.Height
		}
	}
	return path, width, height, nil
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
