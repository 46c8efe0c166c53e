// Package script asks the script-generation service for teleprompter text.
// The recorder treats the returned script as an opaque string.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrNoSource        = errors.New("script: topic or article id is required")
	ErrInvalidTone     = errors.New("script: unsupported tone")
	ErrInvalidDuration = errors.New("script: duration must be 15, 30 or 60 seconds")
	ErrRateLimited     = errors.New("script: too many requests")
)

type Tone string

const (
	Engaging    Tone = "engaging"
	Formal      Tone = "formal"
	Funny       Tone = "funny"
	Educational Tone = "educational"
)

// Tones lists the accepted tones.
var Tones = []Tone{Engaging, Formal, Funny, Educational}

// Durations lists the accepted target lengths in seconds.
var Durations = []int{15, 30, 60}

const DefaultPath = "/api/generate-script"

type Request struct {
	Topic           string
	ArticleID       string
	Tone            Tone
	DurationSeconds int
}

// Validate fills the default tone and checks the request. A custom topic
// wins over an article id.
func (r *Request) Validate() error {
	r.Topic = strings.TrimSpace(r.Topic)
	if r.Topic == "" && r.ArticleID == "" {
		return ErrNoSource
	}
	if r.Tone == "" {
		r.Tone = Engaging
	}
	if !slices.Contains(Tones, r.Tone) {
		return fmt.Errorf("%w: %q", ErrInvalidTone, r.Tone)
	}
	if !slices.Contains(Durations, r.DurationSeconds) {
		return fmt.Errorf("%w: %d", ErrInvalidDuration, r.DurationSeconds)
	}
	return nil
}

type Script struct {
	ID                string   `json:"id,omitempty"`
	Text              string   `json:"script"`
	KeyPoints         []string `json:"keyPoints"`
	SuggestedVisuals  []string `json:"suggestedVisuals"`
	EstimatedDuration int      `json:"estimatedDuration"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Script, error)
}

type wireRequest struct {
	ArticleID   string `json:"articleId,omitempty"`
	CustomTopic string `json:"customTopic,omitempty"`
	Tone        Tone   `json:"tone"`
	Duration    int    `json:"duration"`
}

type wireError struct {
	Error string `json:"error"`
}

// HTTPClient posts requests to the generation endpoint. Calls are paced by
// a limiter and wait for a slot until ctx is done.
type HTTPClient struct {
	BaseURL string
	Path    string
	HTTP    *http.Client
	Log     *slog.Logger

	limiter *rate.Limiter
}

var _ Generator = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, perMinute int, log *slog.Logger) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	if perMinute <= 0 {
		perMinute = 10
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Path:    DefaultPath,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 2),
	}
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Script, error) {
	if err := req.Validate(); err != nil {
		return Script{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Script{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
	}

	body, err := json.Marshal(wireRequest{
		ArticleID:   req.ArticleID,
		CustomTopic: req.Topic,
		Tone:        req.Tone,
		Duration:    req.DurationSeconds,
	})
	if err != nil {
		return Script{}, err
	}
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Script{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(hreq)
	if err != nil {
		return Script{}, fmt.Errorf("generate script: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Script{}, fmt.Errorf("read script response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var we wireError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &we) == nil && we.Error != "" {
			msg = we.Error
		}
		return Script{}, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	var out Script
	if err := json.Unmarshal(data, &out); err != nil {
		return Script{}, fmt.Errorf("decode script response: %w", err)
	}
	c.Log.Info("script generated", "tone", req.Tone, "duration", req.DurationSeconds,
		"words", len(strings.Fields(out.Text)), "took", time.Since(start))
	return out, nil
}

// StatusError is a non-200 reply from the service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("script service returned %d: %s", e.Code, e.Message)
}
