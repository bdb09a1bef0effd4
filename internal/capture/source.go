package capture

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind classifies a capture source. The failure policy is chosen per kind.
type Kind int

const (
	KindImage Kind = iota
	KindFile
	KindWebcam
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindFile:
		return "file"
	case KindWebcam:
		return "webcam"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Live reports whether the source has no natural end.
func (k Kind) Live() bool { return k == KindWebcam || k == KindStream }

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true,
}

var streamSchemes = []string{"rtsp://", "rtsps://", "rtmp://", "http://", "https://"}

// Source is a parsed capture source selector.
type Source struct {
	Raw    string
	Kind   Kind
	Device int // webcam index, only for KindWebcam
}

// ParseSource classifies raw as a webcam index, a network stream URL,
// a still image or a video file.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("empty source")
	}
	if id, err := strconv.Atoi(raw); err == nil {
		if id < 0 {
			return Source{}, fmt.Errorf("invalid webcam index %d", id)
		}
		return Source{Raw: raw, Kind: KindWebcam, Device: id}, nil
	}
	lower := strings.ToLower(raw)
	for _, scheme := range streamSchemes {
		if strings.HasPrefix(lower, scheme) {
			return Source{Raw: raw, Kind: KindStream}, nil
		}
	}
	if imageExtensions[strings.ToLower(filepath.Ext(raw))] {
		return Source{Raw: raw, Kind: KindImage}, nil
	}
	return Source{Raw: raw, Kind: KindFile}, nil
}

// Redacted hides credentials embedded in stream URLs for logs and documents.
func (s Source) Redacted() string {
	if s.Kind != KindStream {
		return s.Raw
	}
	scheme, rest, ok := strings.Cut(s.Raw, "://")
	if !ok {
		return s.Raw
	}
	at := strings.LastIndex(rest, "@")
	slash := strings.Index(rest, "/")
	if at == -1 || (slash != -1 && at > slash) {
		return s.Raw
	}
	return scheme + "://***@" + rest[at+1:]
}

func (s Source) String() string { return s.Redacted() }
