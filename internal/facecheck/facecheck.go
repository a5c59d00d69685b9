// Package facecheck runs a local OpenCV Haar cascade over an image to tell
// whether it contains a face at all, so obviously faceless images never
// reach the analysis service.
package facecheck

import (
	"errors"
	"fmt"
	"image"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// DefaultMinSize is the smallest face side, in pixels, the cascade reports.
const DefaultMinSize = 30

var (
	errCascadeLoad = errors.New("failed to load cascade")
	errImageRead   = errors.New("failed to read image")
)

// Cascade wraps a gocv.CascadeClassifier. The OpenCV classifier is not
// goroutine safe, so detections are serialized.
type Cascade struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	minSize    image.Point
	log        *log.Logger
}

// NewCascade loads the Haar cascade XML at path, e.g.
// haarcascade_frontalface_default.xml from the OpenCV data directory.
func NewCascade(path string, minSize int, logger *log.Logger) (*Cascade, error) {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		if err := classifier.Close(); err != nil {
			logger.WithError(err).Error("Error closing cascade classifier")
		}
		return nil, fmt.Errorf("%w: %s", errCascadeLoad, path)
	}

	return &Cascade{
		classifier: classifier,
		minSize:    image.Pt(minSize, minSize),
		log:        logger,
	}, nil
}

// HasFace reports whether at least one face is found in the image at path.
func (c *Cascade) HasFace(path string) (bool, error) {
	// Read the image.
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer func() {
		if err := img.Close(); err != nil {
			c.log.WithFields(log.Fields{"path": path, "error": err}).Error("Error closing image")
		}
	}()
	if img.Empty() {
		return false, fmt.Errorf("%w: %s", errImageRead, path)
	}

	// Convert the image to grayscale.
	gray := gocv.NewMat()
	defer func() {
		if err := gray.Close(); err != nil {
			c.log.WithFields(log.Fields{"path": path, "error": err}).Error("Error closing grayMat")
		}
	}()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	c.mu.Lock()
	rects := c.classifier.DetectMultiScaleWithParams(gray, 1.1, 3, 0, c.minSize, image.Point{})
	c.mu.Unlock()

	c.log.WithFields(log.Fields{"path": path, "faces": len(rects)}).Debug("Cascade detection done")

	return len(rects) > 0, nil
}

// Close releases the OpenCV classifier.
func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.Close()
}
