package types

import (
	"image"
	"time"
)

// Frame is a single decoded picture pulled from a capture source.
// It is only valid for the iteration that read it.
type Frame struct {
	Index int
	Time  time.Time
	Image image.Image
}

// Width returns the frame width in pixels.
func (f Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// BBox is an axis-aligned face box in pixel coordinates relative to the frame origin.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Area is width * height.
func (b BBox) Area() int { return b.Width * b.Height }

// BBoxFromRect converts an image.Rectangle to a BBox.
func BBoxFromRect(r image.Rectangle) BBox {
	return BBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Prediction is the classifier output for a single face crop.
type Prediction struct {
	Emotion    string             `json:"emotion"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
}

// FaceResult is one classified face inside a sampled frame.
type FaceResult struct {
	ID   int  `json:"id"`
	BBox BBox `json:"bbox"`
	Prediction
}

// FrameResult matches one entry of the "frames" array in the output document.
type FrameResult struct {
	FrameIndex int          `json:"frame_index"`
	Timestamp  time.Time    `json:"timestamp"`
	Faces      []FaceResult `json:"faces"`
}

// RunResult is the document written at the end of a run.
type RunResult struct {
	ID                  string         `json:"-"`
	Source              string         `json:"source"`
	Timestamp           time.Time      `json:"timestamp"`
	Frames              []FrameResult  `json:"frames"`
	EmotionCounts       map[string]int `json:"emotion_counts"`
	MostFrequentEmotion string         `json:"most_frequent_emotion"`

	// Bookkeeping that is not part of the document.
	FinishedAt     time.Time `json:"-"`
	FramesRead     int       `json:"-"`
	FramesSampled  int       `json:"-"`
	StopReason     string    `json:"-"`
	ReconnectCount int       `json:"-"`
}
