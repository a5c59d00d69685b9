// Package analyzer talks to the external facial-analysis service.
//
// The service is a black box: given an image it returns one record per
// detected face holding the dominant gender, dominant ethnicity and an age
// estimate. DeepFace is the implementation shipped with this package.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Attributes the analyzer can be asked for.
const (
	ActionAge    = "age"
	ActionGender = "gender"
	ActionRace   = "race"
)

// DefaultActions are the attributes needed to sort an image.
var DefaultActions = []string{ActionAge, ActionGender, ActionRace}

var (
	// ErrNoFace is returned when the analyzer finds no face in the image.
	ErrNoFace = errors.New("no face detected")
	// ErrUnreadable is returned when the image file cannot be read.
	ErrUnreadable = errors.New("image cannot be read")
)

type (
	// Analyzer is the external collaborator that classifies face images.
	Analyzer interface {
		// Analyze returns one record per detected face in the image at
		// imagePath, most prominent face first.
		Analyze(ctx context.Context, imagePath string, req Request) ([]Face, error)
	}

	// Request selects the attributes to compute and the face detector the
	// analyzer runs before classification.
	Request struct {
		Actions         []string
		DetectorBackend string
	}

	// Face is the analyzer output for a single face.
	Face struct {
		Gender       string             // Dominant gender label, e.g. "Man".
		Ethnicity    string             // Dominant race label, e.g. "white".
		Age          float64            // Estimated age in years.
		GenderScores map[string]float64 // Per-label gender confidence.
		RaceScores   map[string]float64 // Per-label race confidence.
		Region       image.Rectangle    // Face location in the source image.
		Confidence   float64            // Detector confidence, 0 when unknown.
	}

	// APIError is a non-2xx answer from the analysis service.
	APIError struct {
		StatusCode int
		Message    string
	}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("analyzer returned status %d: %s", e.StatusCode, e.Message)
}

// Dominant returns the label with the highest score, or "" for an empty
// map. Ties resolve to the lexically smallest label.
func Dominant(scores map[string]float64) string {
	var (
		best      string
		bestScore float64
		found     bool
	)
	for label, score := range scores {
		if !found || score > bestScore || (score == bestScore && label < best) {
			best, bestScore, found = label, score, true
		}
	}
	return best
}
