// Package vision talks to the external inference services the pipeline
// uses for content tagging and caption prediction.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Label is one classification result for an image.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Classifier labels a single image.
type Classifier interface {
	Classify(ctx context.Context, image []byte) ([]Label, error)
}

// Predictor requests a caption for an image. The answer arrives later
// on the caption webhook, keyed by thumbnail id.
type Predictor interface {
	RequestCaption(ctx context.Context, thumbnailID string, image []byte) error
}

// Config wires the HTTP clients for both inference services.
type Config struct {
	ClassifierURL string
	PredictorURL  string
	// CallbackBaseURL is the externally reachable base of this service,
	// used to build the caption webhook URL.
	CallbackBaseURL string
	Token           string
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type classifyRequest struct {
	Image string `json:"image"`
}

type classifyResponse struct {
	Labels []Label `json:"labels"`
}

type predictRequest struct {
	Image       string `json:"image"`
	CallbackURL string `json:"callbackUrl"`
}

// HTTPClassifier calls a JSON inference endpoint with base64-encoded
// image bytes.
type HTTPClassifier struct {
	config Config
}

// NewHTTPClassifier validates the endpoint configuration.
func NewHTTPClassifier(cfg Config) (*HTTPClassifier, error) {
	if strings.TrimSpace(cfg.ClassifierURL) == "" {
		return nil, fmt.Errorf("classifier URL is required")
	}
	return &HTTPClassifier{config: cfg}, nil
}

func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) ([]Label, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	payload := classifyRequest{Image: base64.StdEncoding.EncodeToString(image)}
	var response classifyResponse
	if err := post(ctx, c.config, c.config.ClassifierURL, payload, &response); err != nil {
		return nil, fmt.Errorf("classify image: %w", err)
	}
	return response.Labels, nil
}

// HTTPPredictor dispatches caption requests. The call returns once the
// service accepts the request; the caption itself comes back through
// the webhook.
type HTTPPredictor struct {
	config Config
}

// NewHTTPPredictor validates the endpoint configuration.
func NewHTTPPredictor(cfg Config) (*HTTPPredictor, error) {
	if strings.TrimSpace(cfg.PredictorURL) == "" {
		return nil, fmt.Errorf("predictor URL is required")
	}
	if strings.TrimSpace(cfg.CallbackBaseURL) == "" {
		return nil, fmt.Errorf("callback base URL is required")
	}
	return &HTTPPredictor{config: cfg}, nil
}

func (p *HTTPPredictor) RequestCaption(ctx context.Context, thumbnailID string, image []byte) error {
	if thumbnailID == "" {
		return fmt.Errorf("thumbnail id is required")
	}
	if len(image) == 0 {
		return fmt.Errorf("image is empty")
	}
	callback := fmt.Sprintf("%s/api/webhooks/captions/%s", strings.TrimRight(p.config.CallbackBaseURL, "/"), thumbnailID)
	payload := predictRequest{
		Image:       base64.StdEncoding.EncodeToString(image),
		CallbackURL: callback,
	}
	if err := post(ctx, p.config, p.config.PredictorURL, payload, nil); err != nil {
		return fmt.Errorf("request caption for %s: %w", thumbnailID, err)
	}
	return nil
}

func post(ctx context.Context, cfg Config, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
