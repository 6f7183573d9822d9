package transfer

import (
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

const (
	thumbMaxWidth  = 480
	thumbMaxHeight = 270
	thumbQuality   = 80
)

// GenerateThumbnail renders a JPEG thumbnail of the image at srcPath into
// dir, bounded to 480x270 with aspect preserved, and returns the written
// path. Callers pair it with RegisterThumbnail to attach the result to a
// video send.
func GenerateThumbnail(srcPath, dir string) (string, error) {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to open thumbnail source: %w", err)
	}

	thumb := imaging.Fit(img, thumbMaxWidth, thumbMaxHeight, imaging.Lanczos)

	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	outPath := filepath.Join(dir, base+"_thumb.jpg")

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to create thumbnail file: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, thumb, &jpeg.Options{Quality: thumbQuality}); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateThumbnail",
		"source":   srcPath,
		"output":   outPath,
	}).Debug("Thumbnail generated")

	return outPath, nil
}
