package perception

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// ElementKind distinguishes parsed text runs from icons.
type ElementKind string

const (
	KindText ElementKind = "text"
	KindIcon ElementKind = "icon"
)

// Element is one parsed screen element. Index is the box id the decision service addresses it by.
type Element struct {
	Index       int         `json:"index"`
	Kind        ElementKind `json:"kind"`
	Content     string      `json:"content"`
	BBox        [4]float64  `json:"bbox"` // x1, y1, x2, y2 as fractions of width and height
	Interactive bool        `json:"interactive"`
}

// Source records which acquisition path produced a capture.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Screen is one capture and its parse. Box ids are only valid against the Screen they came from.
type Screen struct {
	ID       string    `json:"id"`
	Image    []byte    `json:"-"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Elements []Element `json:"elements"`
	// Overlay is the parser's annotated image, base64 PNG.
	Overlay string `json:"-"`
	Source  Source `json:"source"`
}

// Element returns the element with the given box id.
func (s *Screen) Element(boxID int) (Element, bool) {
	if s == nil || boxID < 0 {
		return Element{}, false
	}
	// Indices are usually positional, but the parser may skip or reorder them.
	if boxID < len(s.Elements) && s.Elements[boxID].Index == boxID {
		return s.Elements[boxID], true
	}
	for _, e := range s.Elements {
		if e.Index == boxID {
			return e, true
		}
	}
	return Element{}, false
}

// imageSize reads the pixel dimensions from an encoded image header.
func imageSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("image has invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}
