package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxTileBytes = 16 << 20

// HTTPSourceConfig configures an upstream tile server.
//
// URLTemplate placeholders: {z}, {x}, {y} for the cached row (origin at the
// bottom left) and {-y} for the row counted from the top, as most XYZ
// servers expect.
type HTTPSourceConfig struct {
	URLTemplate       string        `yaml:"url_template"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"user_agent"`
}

// HTTPSource fetches tiles from an upstream server, throttled by a token bucket.
type HTTPSource struct {
	cfg     HTTPSourceConfig
	client  *http.Client
	limiter *rate.Limiter
}

// StatusError is returned for a non-200 upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.Code)
}

// NewHTTPSource validates the config and builds the source. A zero rate
// disables throttling.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	if cfg.URLTemplate == "" {
		return nil, errors.New("http source: url_template is required")
	}
	if !strings.Contains(cfg.URLTemplate, "{z}") || !strings.Contains(cfg.URLTemplate, "{x}") {
		return nil, fmt.Errorf("http source: template %q needs {z} and {x}", cfg.URLTemplate)
	}
	if !strings.Contains(cfg.URLTemplate, "{y}") && !strings.Contains(cfg.URLTemplate, "{-y}") {
		return nil, fmt.Errorf("http source: template %q needs {y} or {-y}", cfg.URLTemplate)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	return &HTTPSource{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// URL expands the template for one request.
func (s *HTTPSource) URL(req Request) string {
	flipped := (int64(1) << uint(req.Loc.Z)) - 1 - req.Loc.Y
	return strings.NewReplacer(
		"{z}", strconv.FormatInt(req.Loc.Z, 10),
		"{x}", strconv.FormatInt(req.Loc.X, 10),
		"{-y}", strconv.FormatInt(flipped, 10),
		"{y}", strconv.FormatInt(req.Loc.Y, 10),
		"{layer}", req.Layer,
	).Replace(s.cfg.URLTemplate)
}

func (s *HTTPSource) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := s.URL(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	if req.Format != "" {
		httpReq.Header.Set("Accept", req.Format)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) > maxTileBytes {
		return nil, fmt.Errorf("tile %s larger than %d bytes", url, maxTileBytes)
	}
	return body, nil
}

// Release drops idle upstream connections.
func (s *HTTPSource) Release() {
	s.client.CloseIdleConnections()
}
