// Package sorter classifies face images and files them into an
// output/gender/ethnicity/age_bracket tree.
//
// The Sorter lists the images of the input directory, hands each one to a
// fixed pool of workers and collects one Outcome per image. A failing image
// is logged and recorded; it never stops the rest of the batch.
package sorter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/briancolinger/face-sorter/internal/analyzer"
)

type (
	// Sorter runs one sorting batch.
	Sorter struct {
		opts       Options
		classifier *Classifier
		router     *Router
		faceCheck  FaceChecker
		dedup      *dedupFilter
		progress   Progress
		log        *log.Logger
	}

	// Options holds the batch settings.
	Options struct {
		InputDir        string   // Directory holding the images to sort.
		OutputDir       string   // Root of the sorted output tree.
		Copy            bool     // Copy instead of move.
		DryRun          bool     // Log intended actions only.
		Backup          bool     // Copy originals into OutputDir/backup first.
		Workers         int      // Number of concurrent workers.
		Extensions      []string // Recognized extensions, lower case with dot.
		DetectorBackend string   // Face detector the analyzer should use.
	}

	// Option customizes a Sorter.
	Option func(*Sorter)

	// FaceChecker is a cheap local check run before the analyzer.
	FaceChecker interface {
		HasFace(path string) (bool, error)
	}

	// Progress receives one tick per finished image.
	Progress interface {
		Start(total int)
		Increment()
		Done()
	}

	// Outcome is the result of processing one image.
	Outcome struct {
		Image          string
		Source         string
		Action         string
		Destination    string
		Backup         string
		Classification *Classification
		Err            error
		Took           time.Duration
	}

	// Summary aggregates the outcomes of a batch.
	Summary struct {
		Total   int `yaml:"total"`
		Routed  int `yaml:"routed"`
		Skipped int `yaml:"skipped"`
		Failed  int `yaml:"failed"`
	}

	// Result is everything a batch produced, outcomes sorted by image name.
	Result struct {
		Summary  Summary
		Outcomes []Outcome
	}
)

// WithFaceChecker rejects images that fc finds no face in before they reach
// the analyzer.
func WithFaceChecker(fc FaceChecker) Option {
	return func(s *Sorter) { s.faceCheck = fc }
}

// WithDedup skips images that are perceptual near-duplicates of an image
// already accepted in the same run.
func WithDedup(threshold int) Option {
	return func(s *Sorter) { s.dedup = newDedupFilter(threshold) }
}

// WithProgress reports per-image progress to p.
func WithProgress(p Progress) Option {
	return func(s *Sorter) { s.progress = p }
}

// New returns a Sorter classifying with a and logging to logger.
func New(opts Options, a analyzer.Analyzer, logger *log.Logger, options ...Option) *Sorter {
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	s := &Sorter{
		opts:       opts,
		classifier: NewClassifier(a, opts.DetectorBackend),
		router: NewRouter(RouterOptions{
			OutputDir: opts.OutputDir,
			Copy:      opts.Copy,
			DryRun:    opts.DryRun,
			Backup:    opts.Backup,
		}, logger),
		log: logger,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Run processes every image of the input directory and blocks until all of
// them are done. It only fails when the input directory cannot be listed.
func (s *Sorter) Run(ctx context.Context) (Result, error) {
	images, err := s.ListImages()
	if err != nil {
		return Result{}, err
	}

	s.log.WithFields(log.Fields{
		"input":   s.opts.InputDir,
		"output":  s.opts.OutputDir,
		"images":  len(images),
		"workers": s.opts.Workers,
		"dry_run": s.opts.DryRun,
	}).Info("Sorting images")

	if s.progress != nil {
		s.progress.Start(len(images))
		defer s.progress.Done()
	}

	tasks := make(chan string, s.opts.Workers)
	results := make(chan Outcome, s.opts.Workers)

	var wg sync.WaitGroup
	s.startWorkers(ctx, &wg, tasks, results)

	// Feed the queue; blocks while every worker is busy.
	go func() {
		defer close(tasks)
		for _, name := range images {
			tasks <- name
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	result := Result{Outcomes: make([]Outcome, 0, len(images))}
	for outcome := range results {
		result.add(outcome)
		if s.progress != nil {
			s.progress.Increment()
		}
	}

	sort.Slice(result.Outcomes, func(i, j int) bool {
		return result.Outcomes[i].Image < result.Outcomes[j].Image
	})

	s.log.WithFields(log.Fields{
		"total":   result.Summary.Total,
		"routed":  result.Summary.Routed,
		"skipped": result.Summary.Skipped,
		"failed":  result.Summary.Failed,
	}).Info("Processed images")

	return result, nil
}

// ListImages returns the names of the regular entries of the input
// directory with a recognized extension, sorted by name.
func (s *Sorter) ListImages() ([]string, error) {
	entries, err := os.ReadDir(s.opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("list input dir: %w", err)
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() || !s.isImage(entry.Name()) {
			continue
		}
		images = append(images, entry.Name())
	}
	return images, nil
}

// isImage reports whether name has a recognized extension. AppleDouble
// companions such as ._a.jpg are ignored.
func (s *Sorter) isImage(name string) bool {
	if strings.HasPrefix(name, "._") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, supported := range s.opts.Extensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// startWorkers launches the fixed worker pool. Each worker turns one task
// into exactly one Outcome.
func (s *Sorter) startWorkers(ctx context.Context, wg *sync.WaitGroup, tasks <-chan string, results chan<- Outcome) {
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range tasks {
				results <- s.process(ctx, name)
			}
		}()
	}
}

// process runs dedup, prefilter, classification and routing for one image.
func (s *Sorter) process(ctx context.Context, name string) (outcome Outcome) {
	start := time.Now()
	src := filepath.Join(s.opts.InputDir, name)
	outcome = Outcome{Image: name, Source: src}

	fail := func(err error) Outcome {
		outcome.Action = ActionFailed
		outcome.Err = err
		outcome.Took = time.Since(start)
		s.log.WithFields(log.Fields{"image": name, "error": err}).Error("Failed to process image")
		return outcome
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if s.dedup != nil {
		reservation, original, err := s.dedup.reserve(name, src)
		if err != nil {
			s.log.WithFields(log.Fields{"image": name, "error": err}).Debug("Cannot hash image, skipping duplicate check")
		}
		if original != "" {
			outcome.Action = ActionSkipped
			outcome.Took = time.Since(start)
			s.log.WithFields(log.Fields{"image": name, "duplicate_of": original}).Warn("Skipping duplicate image")
			return outcome
		}
		if reservation != nil {
			// Only a routed image counts as seen.
			defer func() { s.dedup.resolve(reservation, outcome.Action != ActionFailed) }()
		}
	}

	if s.faceCheck != nil {
		ok, err := s.faceCheck.HasFace(src)
		if err != nil {
			return fail(fmt.Errorf("prefilter: %w", err))
		}
		if !ok {
			return fail(fmt.Errorf("prefilter: %w", analyzer.ErrNoFace))
		}
	}

	c, err := s.classifier.Classify(ctx, src)
	if err != nil {
		return fail(err)
	}
	outcome.Classification = &c

	s.log.WithFields(log.Fields{
		"image":     name,
		"gender":    c.Gender,
		"ethnicity": c.Ethnicity,
		"age":       c.Age,
		"bracket":   c.Bracket(),
	}).Debug("Classified image")

	routed, err := s.router.Route(src, name, c)
	outcome.Backup = routed.Backup
	if err != nil {
		return fail(err)
	}

	outcome.Action = routed.Action
	outcome.Destination = routed.Destination
	outcome.Took = time.Since(start)

	if routed.Action != ActionDryRun {
		s.log.WithFields(log.Fields{"image": name, "dest": routed.Destination}).Info("Successfully processed image")
	}
	return outcome
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.Summary.Total++
	switch o.Action {
	case ActionFailed:
		r.Summary.Failed++
	case ActionSkipped:
		r.Summary.Skipped++
	default:
		r.Summary.Routed++
	}
}
