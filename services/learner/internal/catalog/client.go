// Package catalog reads course metadata from the hosted data store through
// its PostgREST RPC endpoint.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/coursecraft/services/learner/internal/progress"
)

const rpcPath = "/rest/v1/rpc/get_course_metadata"

var ErrCourseNotFound = errors.New("catalog: course not found")

// ClientConfig holds configurable settings for the catalog client.
type ClientConfig struct {
	AnonKey        string
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Config     ClientConfig
	CB         *gobreaker.CircuitBreaker
	Log        *zap.Logger
}

type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func New(baseURL string, cfg ClientConfig, opts ...Option) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Config:     cfg,
		Log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BreakerSettings are the circuit breaker parameters used by NewBreaker.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func NewBreaker(s BreakerSettings, log *zap.Logger) *gobreaker.CircuitBreaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		// A missing course is an answer, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCourseNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// courseRow is one row of the get_course_metadata RPC result.
type courseRow struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Thumbnail     string    `json:"thumbnail"`
	TotalVideos   int       `json:"total_videos"`
	TotalDuration int       `json:"total_duration"`
	CreatedAt     time.Time `json:"created_at"`
}

func (r courseRow) metadata() progress.CourseMetadata {
	return progress.CourseMetadata{
		CourseID:             r.ID,
		Title:                r.Title,
		Description:          r.Description,
		Thumbnail:            r.Thumbnail,
		TotalVideos:          r.TotalVideos,
		TotalDurationSeconds: r.TotalDuration,
		CreatedAt:            r.CreatedAt,
	}
}

// CourseMetadata fetches the current metadata of one course. accessToken is
// the signed-in user's token; an empty token falls back to the anon key.
func (c *Client) CourseMetadata(ctx context.Context, courseID, accessToken string) (progress.CourseMetadata, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return progress.CourseMetadata{}, progress.ErrMissingCourseID
	}
	body, err := json.Marshal(map[string]string{"course_id": courseID})
	if err != nil {
		return progress.CourseMetadata{}, err
	}
	rows, err := doWithBreaker[[]courseRow](ctx, c, body, accessToken)
	if err != nil {
		return progress.CourseMetadata{}, err
	}
	if len(*rows) == 0 || (*rows)[0].ID == "" {
		return progress.CourseMetadata{}, ErrCourseNotFound
	}
	return (*rows)[0].metadata(), nil
}

func doWithBreaker[T any](ctx context.Context, c *Client, body []byte, token string) (*T, error) {
	if c.CB == nil {
		return doJSONWithRetry[T](ctx, c, body, token)
	}
	result, err := c.CB.Execute(func() (interface{}, error) {
		return doJSONWithRetry[T](ctx, c, body, token)
	})
	if err != nil {
		return nil, err
	}
	return result.(*T), nil
}

func doJSONWithRetry[T any](ctx context.Context, c *Client, body []byte, token string) (*T, error) {
	var lastErr error
	for attempt := 0; attempt <= c.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.Config.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			c.Log.Debug("retrying catalog request", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		result, err := doJSON[T](ctx, c, body, token)
		if err == nil {
			return result, nil
		}
		lastErr = err
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, err
		}
		c.Log.Warn("catalog request failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog: status %d body=%q", e.Status, e.Body)
}

func (e *statusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func doJSON[T any](ctx context.Context, c *Client, body []byte, token string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+rpcPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = c.Config.AnonKey
	}
	req.Header.Set("apikey", c.Config.AnonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Status: resp.StatusCode, Body: string(b[:min(len(b), 200)])}
	}

	// PostgREST answers with an array for set-returning functions and a bare
	// object otherwise; accept both.
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		trimmed = append(append([]byte{'['}, trimmed...), ']')
	}
	var out T
	if bytes.Equal(trimmed, []byte("null")) {
		return &out, nil
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("catalog: decode response: %w", err)
	}
	return &out, nil
}

// DecodeCourse parses one course document in the catalog's row format, as
// carried by catalog.course.upserted messages.
func DecodeCourse(data []byte) (progress.CourseMetadata, error) {
	var row courseRow
	if err := json.Unmarshal(data, &row); err != nil {
		return progress.CourseMetadata{}, fmt.Errorf("catalog: decode course: %w", err)
	}
	if strings.TrimSpace(row.ID) == "" {
		return progress.CourseMetadata{}, progress.ErrMissingCourseID
	}
	return row.metadata(), nil
}
