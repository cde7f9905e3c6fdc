package models

import (
	"encoding/base64"
	"strings"
)

// MediaAsset is a generated image or video held as bytes.
type MediaAsset struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type"`
	Data     []byte    `json:"-"`
	Source   string    `json:"source"` // which strategy produced it
}

// StorageRef encodes the asset as a self-contained data: URL.
// Remote or session scoped handles are never stored, so a reloaded story plays offline.
func (a *MediaAsset) StorageRef() string {
	mime := strings.TrimSpace(a.MimeType)
	if mime == "" {
		if a.Kind == MediaVideo {
			mime = "video/mp4"
		} else {
			mime = "image/png"
		}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
