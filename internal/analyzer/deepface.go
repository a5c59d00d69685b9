package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of an error response is kept in APIError.
const maxErrorBody = 4 << 10

type (
	// DeepFace is an Analyzer backed by the DeepFace REST API
	// (POST /analyze).
	DeepFace struct {
		url      string
		client   *http.Client
		limiter  *rate.Limiter
		maxWidth int
		log      *log.Logger
	}

	// DeepFaceOptions configures a DeepFace client.
	DeepFaceOptions struct {
		URL        string        // Base URL of the API, e.g. http://localhost:5000.
		Timeout    time.Duration // Per request timeout, 0 means none.
		RateLimit  float64       // Requests per second, 0 disables limiting.
		MaxWidth   int           // Downscale wider payloads, 0 sends originals.
		HTTPClient *http.Client  // Optional; Timeout is ignored when set.
		Logger     *log.Logger
	}

	analyzeRequest struct {
		Img              string   `json:"img"`
		Actions          []string `json:"actions"`
		DetectorBackend  string   `json:"detector_backend"`
		EnforceDetection bool     `json:"enforce_detection"`
	}

	analyzeResponse struct {
		Results []analyzeResult `json:"results"`
	}

	analyzeResult struct {
		Age            float64            `json:"age"`
		DominantGender string             `json:"dominant_gender"`
		Gender         map[string]float64 `json:"gender"`
		DominantRace   string             `json:"dominant_race"`
		Race           map[string]float64 `json:"race"`
		Region         facialArea         `json:"region"`
		FaceConfidence float64            `json:"face_confidence"`
	}

	facialArea struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

var _ Analyzer = (*DeepFace)(nil)

// NewDeepFace returns a DeepFace client.
func NewDeepFace(opts DeepFaceOptions) *DeepFace {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New()
		logger.SetOutput(io.Discard)
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &DeepFace{
		url:      strings.TrimRight(opts.URL, "/"),
		client:   client,
		limiter:  limiter,
		maxWidth: opts.MaxWidth,
		log:      logger,
	}
}

// Analyze sends the image at imagePath to the DeepFace API.
func (d *DeepFace) Analyze(ctx context.Context, imagePath string, req Request) ([]Face, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	payload, mimeType, err := encodePayload(data, d.maxWidth)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(analyzeRequest{
		Img:              fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(payload)),
		Actions:          req.Actions,
		DetectorBackend:  req.DetectorBackend,
		EnforceDetection: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}

	d.log.WithFields(log.Fields{
		"path":       imagePath,
		"faces":      len(decoded.Results),
		"bytes_sent": len(payload),
		"took":       time.Since(start),
	}).Debug("Analyzer response received")

	if len(decoded.Results) == 0 {
		return nil, ErrNoFace
	}

	faces := make([]Face, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		faces = append(faces, r.face())
	}
	return faces, nil
}

func (r analyzeResult) face() Face {
	gender := r.DominantGender
	if gender == "" {
		gender = Dominant(r.Gender)
	}
	ethnicity := r.DominantRace
	if ethnicity == "" {
		ethnicity = Dominant(r.Race)
	}

	return Face{
		Gender:       gender,
		Ethnicity:    ethnicity,
		Age:          r.Age,
		GenderScores: r.Gender,
		RaceScores:   r.Race,
		Region:       image.Rect(r.Region.X, r.Region.Y, r.Region.X+r.Region.W, r.Region.Y+r.Region.H),
		Confidence:   r.FaceConfidence,
	}
}

// decodeError turns a failed response into an APIError, or ErrNoFace when
// the service says it could not find a face.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(raw))
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "face could not be detected") || strings.Contains(lower, "no face") {
		return fmt.Errorf("%w: %s", ErrNoFace, msg)
	}

	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
