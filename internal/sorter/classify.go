package sorter

import (
	"context"
	"fmt"

	"github.com/briancolinger/face-sorter/internal/analyzer"
)

type (
	// Classification is the analyzer verdict for the first face of an image.
	Classification struct {
		Gender    string
		Ethnicity string
		Age       float64
	}

	// Classifier adapts an analyzer.Analyzer to a single Classification per
	// image.
	Classifier struct {
		analyzer analyzer.Analyzer
		detector string
	}
)

// Bracket returns the age bracket of the classification.
func (c Classification) Bracket() string {
	return AgeBracket(c.Age)
}

// NewClassifier returns a Classifier asking a for age, gender and race with
// the given detector backend.
func NewClassifier(a analyzer.Analyzer, detector string) *Classifier {
	return &Classifier{analyzer: a, detector: detector}
}

// Classify analyzes the image at path and returns the dominant gender,
// dominant ethnicity and age of the first detected face.
func (c *Classifier) Classify(ctx context.Context, path string) (Classification, error) {
	faces, err := c.analyzer.Analyze(ctx, path, analyzer.Request{
		Actions:         analyzer.DefaultActions,
		DetectorBackend: c.detector,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("analyze: %w", err)
	}
	if len(faces) == 0 {
		return Classification{}, analyzer.ErrNoFace
	}

	face := faces[0]
	return Classification{
		Gender:    face.Gender,
		Ethnicity: face.Ethnicity,
		Age:       face.Age,
	}, nil
}
