// Package connector implements the Connector Runtime (§4.6): a shared
// base providing credential loading, pooled HTTP transport, per-connector
// rate limiting and circuit breaking, sync scheduling, and webhook
// ingestion, composed with a pluggable Behavior rather than
// subclassed per integration.
package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/internal/circuitbreaker"
	"github.com/ovencore/ovencore/internal/memory"
	"github.com/ovencore/ovencore/internal/ratelimit"
	"github.com/ovencore/ovencore/internal/secretstore"
	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Status is the health state a connector reports.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnhealthy    Status = "unhealthy"
	StatusDisconnected Status = "disconnected"
)

// Behavior is implemented per integration (GitHub, Slack, Salesforce,
// ...). The runtime composes a Behavior rather than being subclassed
// by it.
type Behavior interface {
	TestConnection(ctx context.Context, c *Connector) error
	FetchData(ctx context.Context, c *Connector, since time.Time) ([]byte, error)
	TransformToChunks(ctx context.Context, raw []byte) ([]orchmodels.DocChunk, error)
	ProcessWebhook(ctx context.Context, payload []byte) ([]orchmodels.DocChunk, error)
}

// SyncReport summarizes one sync run, matching §4.6's SyncReport shape.
type SyncReport struct {
	Success        bool
	RecordsFetched int
	RecordsStored  int
	Errors         []string
	DurationS      float64
	NextSync       time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	Err            error
}

// MemoryWriter is the subset of memory.Router a connector needs to
// upsert synced chunks and cache the raw payload of its latest sync.
type MemoryWriter interface {
	Upsert(ctx context.Context, chunks []orchmodels.DocChunk) (memory.UpsertReport, error)
	CacheSet(ctx context.Context, key, value string, ttl time.Duration) error
}

// RecordCounter is an optional capability a Behavior may implement to
// report how many source records a raw fetch payload contained, ahead
// of transforming it into chunks. Behaviors that don't implement it
// fall back to counting the chunks a transform produces.
type RecordCounter interface {
	CountRecords(raw []byte) int
}

// Connector is the shared runtime: HTTP transport, credentials, rate
// limiting, circuit breaking, and sync scheduling, parameterized by a
// Behavior for the integration-specific parts.
type Connector struct {
	cfg      orchmodels.ConnectorConfig
	behavior Behavior
	secrets  *secretstore.Store
	memory   MemoryWriter

	httpClient *http.Client
	limiter    ratelimit.Limiter
	breaker    *circuitbreaker.Breaker

	mu          sync.Mutex
	status      Status
	syncRunning bool
	stopAuto    chan struct{}
	lastSyncAt  time.Time
}

// New constructs a Connector. memory may be nil for connectors under
// test or composed without a live memory fabric; Sync then skips the
// upsert/cache steps rather than failing.
func New(cfg orchmodels.ConnectorConfig, behavior Behavior, secrets *secretstore.Store, memory MemoryWriter) *Connector {
	return &Connector{
		cfg:      cfg,
		behavior: behavior,
		secrets:  secrets,
		memory:   memory,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: ratelimit.New(string(cfg.RateLimit.Strategy), cfg.RateLimit.Calls, cfg.RateLimit.Window),
		breaker: circuitbreaker.New(cfg.Name, circuitbreaker.DefaultConfig()),
		status:  StatusDisconnected,
	}
}

// Connect verifies credentials and connectivity via the Behavior's
// TestConnection, then marks the connector healthy.
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.behavior.TestConnection(ctx, c); err != nil {
		c.setStatus(StatusUnhealthy)
		return fmt.Errorf("connector %s: connect: %w", c.cfg.Name, err)
	}
	c.setStatus(StatusHealthy)
	log.Info().Str("connector", c.cfg.Name).Msg("connector: connected")
	return nil
}

func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusDisconnected
	if c.stopAuto != nil {
		close(c.stopAuto)
		c.stopAuto = nil
	}
}

func (c *Connector) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Credential resolves this connector's integration credentials from
// the secret vault.
func (c *Connector) Credential(field string) (string, error) {
	integ, err := c.secrets.GetIntegration(c.cfg.Name)
	if err != nil {
		return "", err
	}
	v, ok := integ.Fields[field]
	if !ok {
		return "", &coreerrors.AuthError{Subject: c.cfg.Name, Reason: fmt.Sprintf("missing credential field %q", field)}
	}
	return v, nil
}

// buildRequestURL composes {base_url}/{api_version}/{endpoint}, per
// §4.6, with any params appended as a query string. Empty
// apiVersion/endpoint segments are skipped rather than leaving a
// double slash, so a connector that omits APIVersion still gets a
// clean base_url/endpoint URL.
func buildRequestURL(baseURL, apiVersion, endpoint string, params map[string]string) string {
	segments := make([]string, 0, 3)
	if baseURL != "" {
		segments = append(segments, strings.TrimRight(baseURL, "/"))
	}
	if apiVersion != "" {
		segments = append(segments, strings.Trim(apiVersion, "/"))
	}
	if endpoint != "" {
		segments = append(segments, strings.TrimLeft(endpoint, "/"))
	}
	full := strings.Join(segments, "/")
	if len(params) == 0 {
		return full
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return full + "?" + q.Encode()
}

// defaultHeaders builds the bearer-auth header the pooled client
// attaches to every request when this connector's credentials resolve
// an access token (falling back to an API key), per §4.6 "default
// headers (bearer token from credentials if present)".
func (c *Connector) defaultHeaders() map[string]string {
	headers := make(map[string]string)
	if token, err := c.Credential("access_token"); err == nil && token != "" {
		headers["Authorization"] = "Bearer " + token
		return headers
	}
	if token, err := c.Credential("api_key"); err == nil && token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

// MakeRequest issues an HTTP request through the rate limiter and
// circuit breaker, retrying transient failures with exponential
// backoff and jitter. It composes the URL from the connector's
// base_url/api_version and the given endpoint, appends params as a
// query string, and merges a default bearer-auth header with any
// caller-supplied headers (caller headers win on key collision),
// per §4.6 make_request(method, endpoint, params, body, headers).
func (c *Connector) MakeRequest(ctx context.Context, method, endpoint string, params map[string]string, body []byte, headers map[string]string) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	if err := c.limiter.WaitIfNeeded(ctx, 1); err != nil {
		return nil, err
	}

	reqURL := buildRequestURL(c.cfg.BaseURL, c.cfg.APIVersion, endpoint, params)
	merged := c.defaultHeaders()
	for k, v := range headers {
		merged[k] = v
	}

	var result []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("connector %s: building request: %w", c.cfg.Name, err))
		}
		for k, v := range merged {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(&coreerrors.AuthError{Subject: c.cfg.Name, Reason: fmt.Sprintf("http %d", resp.StatusCode)})
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("connector %s: server error %d", c.cfg.Name, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("connector %s: client error %d", c.cfg.Name, resp.StatusCode))
		}
		result = data
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxInt(c.cfg.MaxRetries, 0)))
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		c.breaker.RecordFailure()
		var authErr *coreerrors.AuthError
		if asAuthError(err, &authErr) {
			c.setStatus(StatusUnhealthy)
		} else {
			c.setStatus(StatusDegraded)
		}
		return nil, err
	}
	c.breaker.RecordSuccess()
	c.setStatus(StatusHealthy)
	return result, nil
}

func asAuthError(err error, target **coreerrors.AuthError) bool {
	ae, ok := err.(*coreerrors.AuthError)
	if ok {
		*target = ae
	}
	return ok
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Sync runs one sync cycle: incremental (modified_since=last_sync) if a
// previous sync has completed, full otherwise. It refuses to run
// concurrently with itself (non-reentrant) — a second call while one is
// in progress returns a no-op failure report without disturbing the
// first, per §4.6 and §8 scenario 6.
func (c *Connector) Sync(ctx context.Context, fullSync bool) SyncReport {
	c.mu.Lock()
	if c.syncRunning {
		c.mu.Unlock()
		return SyncReport{Success: false, Errors: []string{fmt.Sprintf("connector %s: a sync is already running", c.cfg.Name)}}
	}
	c.syncRunning = true
	since := c.lastSyncAt
	if fullSync {
		since = time.Time{}
	}
	c.mu.Unlock()

	start := time.Now()
	report := SyncReport{StartedAt: start.UTC()}
	defer func() {
		report.FinishedAt = time.Now().UTC()
		report.DurationS = report.FinishedAt.Sub(report.StartedAt).Seconds()
		c.mu.Lock()
		c.syncRunning = false
		if report.Err == nil {
			c.lastSyncAt = start
		}
		interval := c.cfg.SyncInterval
		if interval <= 0 {
			interval = time.Hour
		}
		report.NextSync = c.lastSyncAt.Add(interval)
		c.mu.Unlock()
	}()

	raw, err := c.behavior.FetchData(ctx, c, since)
	if err != nil {
		report.Err = err
		report.Errors = []string{err.Error()}
		return report
	}

	report.RecordsFetched = countRecords(c.behavior, raw)

	chunks, err := c.behavior.TransformToChunks(ctx, raw)
	if err != nil {
		report.Err = err
		report.Errors = []string{err.Error()}
		return report
	}
	if report.RecordsFetched == 0 {
		report.RecordsFetched = len(chunks)
	}

	domain := c.cfg.Domain
	if domain == "" {
		domain = orchmodels.DomainBI
	}
	for i := range chunks {
		if chunks[i].Domain == "" {
			chunks[i].Domain = domain
		}
	}

	if c.memory != nil && len(chunks) > 0 {
		upsertReport, err := c.memory.Upsert(ctx, chunks)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Errors = append(report.Errors, upsertReport.Errors...)
			report.RecordsStored = upsertReport.ChunksStored
		}
		cacheKey := fmt.Sprintf("%s:latest_data", c.cfg.Name)
		if err := c.memory.CacheSet(ctx, cacheKey, string(raw), c.cfg.CacheTTL); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	} else {
		report.RecordsStored = len(chunks)
	}

	report.Success = len(report.Errors) == 0
	return report
}

func countRecords(behavior Behavior, raw []byte) int {
	if rc, ok := behavior.(RecordCounter); ok {
		return rc.CountRecords(raw)
	}
	return 0
}

// StartAutoSync runs Sync on cfg.SyncInterval until StopAutoSync is
// called or ctx is done. A failed sync backs off for 60 seconds before
// the next attempt rather than hot-looping.
func (c *Connector) StartAutoSync(ctx context.Context) {
	c.mu.Lock()
	if c.stopAuto != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopAuto = stop
	c.mu.Unlock()

	go func() {
		interval := c.cfg.SyncInterval
		if interval <= 0 {
			interval = time.Hour
		}
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-timer.C:
				if report := c.Sync(ctx, false); !report.Success {
					log.Warn().Str("connector", c.cfg.Name).Strs("errors", report.Errors).Msg("connector: auto-sync failed, backing off")
					timer.Reset(60 * time.Second)
					continue
				}
				timer.Reset(interval)
			}
		}
	}()
}

func (c *Connector) StopAutoSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopAuto != nil {
		close(c.stopAuto)
		c.stopAuto = nil
	}
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant
// time, as most webhook providers (GitHub, Stripe, Slack) require.
func VerifyWebhookSignature(secret string, payload []byte, signatureHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHex))
}

// HandleWebhook verifies the signature (if configured) and dispatches
// to the Behavior's ProcessWebhook.
func (c *Connector) HandleWebhook(ctx context.Context, payload []byte, signatureHex string) ([]orchmodels.DocChunk, error) {
	if c.cfg.WebhookEnabled && c.cfg.WebhookSecret != "" {
		if !VerifyWebhookSignature(c.cfg.WebhookSecret, payload, signatureHex) {
			return nil, &coreerrors.AuthError{Subject: c.cfg.Name, Reason: "webhook signature mismatch"}
		}
	}
	return c.behavior.ProcessWebhook(ctx, payload)
}
