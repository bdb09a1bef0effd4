package pipeline

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type cropWriter struct {
	dir     string
	now     func() time.Time
	created bool
}

// CropName returns crop_<YYYYmmdd_HHMMSS_mmm>_<frame>_<face>.jpg.
func CropName(t time.Time, frame, face int) string {
	ts := strings.Replace(t.Format("20060102_150405.000"), ".", "_", 1)
	return fmt.Sprintf("crop_%s_%d_%d.jpg", ts, frame, face)
}

func (w *cropWriter) save(frame, face int, crop image.Image) error {
	if !w.created {
		if err := os.MkdirAll(w.dir, 0755); err != nil {
			return err
		}
		w.created = true
	}
	f, err := os.Create(filepath.Join(w.dir, CropName(w.now(), frame, face)))
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, crop, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
