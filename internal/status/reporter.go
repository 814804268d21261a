// Package status delivers human-readable sync summaries to an optional
// webhook. Delivery is best-effort: the engine never depends on it.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// Reporter posts summaries to a webhook URL.
// If the URL is empty, the reporter is in "disabled" mode where every Emit
// is a no-op.
type Reporter struct {
	url  string
	http *retryablehttp.Client
}

// NewReporter creates a webhook reporter. An empty URL disables it.
func NewReporter(url string) *Reporter {
	r := &Reporter{url: url}
	if url == "" {
		log.Info().Msg("status: no webhook configured, reporter disabled")
		return r
	}

	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	r.http = c

	return r
}

// Enabled returns true if the reporter is configured.
func (r *Reporter) Enabled() bool {
	return r.url != ""
}

// Emit posts one summary line. Failures are logged and otherwise ignored.
func (r *Reporter) Emit(ctx context.Context, text string) {
	if r.url == "" {
		return
	}

	payload, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: text})
	if err != nil {
		log.Warn().Err(err).Msg("status: failed to encode summary")
		return
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		log.Warn().Err(err).Msg("status: failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("status: webhook delivery failed")
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Msg("status: webhook rejected summary")
	}
}
