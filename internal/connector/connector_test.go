package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ovencore/ovencore/internal/memory"
	"github.com/ovencore/ovencore/internal/secretstore"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

func validHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type stubBehavior struct {
	testConnErr error
	fetchCalls  int32
	chunks      []orchmodels.DocChunk
	lastSince   time.Time
}

func (b *stubBehavior) TestConnection(ctx context.Context, c *Connector) error { return b.testConnErr }

func (b *stubBehavior) FetchData(ctx context.Context, c *Connector, since time.Time) ([]byte, error) {
	atomic.AddInt32(&b.fetchCalls, 1)
	b.lastSince = since
	return []byte("raw"), nil
}

func (b *stubBehavior) TransformToChunks(ctx context.Context, raw []byte) ([]orchmodels.DocChunk, error) {
	return b.chunks, nil
}

func (b *stubBehavior) ProcessWebhook(ctx context.Context, payload []byte) ([]orchmodels.DocChunk, error) {
	return b.chunks, nil
}

type fakeMemoryWriter struct {
	upserted  int
	cachedKey string
}

func (f *fakeMemoryWriter) Upsert(ctx context.Context, chunks []orchmodels.DocChunk) (memory.UpsertReport, error) {
	f.upserted += len(chunks)
	return memory.UpsertReport{ChunksProcessed: len(chunks), ChunksStored: len(chunks)}, nil
}

func (f *fakeMemoryWriter) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	f.cachedKey = key
	return nil
}

func newTestSecretStore(t *testing.T) *secretstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := secretstore.New(secretstore.Config{
		VaultPath:  filepath.Join(dir, "vault"),
		Passphrase: "p",
		EnvPrefix:  "T_",
	})
	if err != nil {
		t.Fatalf("secretstore.New: %v", err)
	}
	return s
}

func testConfig(name string) orchmodels.ConnectorConfig {
	return orchmodels.ConnectorConfig{
		Name:    name,
		Timeout: time.Second,
		RateLimit: orchmodels.RateLimitConfig{
			Calls: 100, Window: time.Second, Strategy: orchmodels.StrategyTokenBucket,
		},
		MaxRetries: 1,
	}
}

func TestConnectSetsHealthyStatus(t *testing.T) {
	c := New(testConfig("svc"), &stubBehavior{}, newTestSecretStore(t), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Status() != StatusHealthy {
		t.Fatalf("Status = %v, want healthy", c.Status())
	}
}

func TestSyncIsNonReentrant(t *testing.T) {
	c := New(testConfig("svc"), &stubBehavior{}, newTestSecretStore(t), nil)
	c.mu.Lock()
	c.syncRunning = true
	c.mu.Unlock()

	report := c.Sync(context.Background(), false)
	if report.Success {
		t.Fatal("expected Sync to refuse running while another sync is in progress")
	}
	if report.RecordsFetched != 0 {
		t.Fatalf("RecordsFetched = %d, want 0 for a no-op report", report.RecordsFetched)
	}
}

func TestSyncReportsRecordsStored(t *testing.T) {
	behavior := &stubBehavior{chunks: []orchmodels.DocChunk{{Content: "a"}, {Content: "b"}}}
	c := New(testConfig("svc"), behavior, newTestSecretStore(t), nil)
	report := c.Sync(context.Background(), true)
	if !report.Success {
		t.Fatalf("Sync: %v", report.Errors)
	}
	if report.RecordsStored != 2 {
		t.Fatalf("RecordsStored = %d, want 2", report.RecordsStored)
	}
	if report.NextSync.Before(report.FinishedAt) {
		t.Fatal("expected NextSync to be after FinishedAt")
	}
}

func TestSyncUpsertsIntoMemoryAndCachesRawData(t *testing.T) {
	behavior := &stubBehavior{chunks: []orchmodels.DocChunk{{Content: "a", Domain: ""}}}
	mem := &fakeMemoryWriter{}
	cfg := testConfig("svc")
	cfg.Domain = orchmodels.DomainBI
	cfg.CacheTTL = time.Minute
	c := New(cfg, behavior, newTestSecretStore(t), mem)

	report := c.Sync(context.Background(), true)
	if !report.Success {
		t.Fatalf("Sync: %v", report.Errors)
	}
	if mem.upserted != 1 {
		t.Fatalf("expected 1 chunk upserted into memory, got %d", mem.upserted)
	}
	if mem.cachedKey != "svc:latest_data" {
		t.Fatalf("cachedKey = %q, want svc:latest_data", mem.cachedKey)
	}
}

func TestSyncIncrementalUsesLastSyncAsModifiedSince(t *testing.T) {
	behavior := &stubBehavior{}
	c := New(testConfig("svc"), behavior, newTestSecretStore(t), nil)

	c.Sync(context.Background(), true)
	firstSince := behavior.lastSince
	c.Sync(context.Background(), false)
	secondSince := behavior.lastSince

	if !secondSince.After(firstSince) && !secondSince.Equal(firstSince) {
		t.Fatalf("expected incremental sync's since to advance past the full sync's, got first=%v second=%v", firstSince, secondSince)
	}
	if secondSince.IsZero() {
		t.Fatal("expected incremental sync to pass a non-zero modified_since")
	}
}

func TestMakeRequestRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testConfig("svc")
	cfg.MaxRetries = 3
	cfg.BaseURL = srv.URL
	c := New(cfg, &stubBehavior{}, newTestSecretStore(t), nil)

	data, err := c.MakeRequest(context.Background(), http.MethodGet, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("MakeRequest: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("data = %q, want ok", data)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 calls (one failure, one success), got %d", calls)
	}
}

func TestMakeRequestDoesNotRetryAuthErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig("svc")
	cfg.MaxRetries = 5
	cfg.BaseURL = srv.URL
	c := New(cfg, &stubBehavior{}, newTestSecretStore(t), nil)

	_, err := c.MakeRequest(context.Background(), http.MethodGet, "", nil, nil, nil)
	if err == nil {
		t.Fatal("expected an auth error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable auth error, got %d", calls)
	}
}

func TestBuildRequestURLComposesBaseVersionEndpointAndParams(t *testing.T) {
	got := buildRequestURL("https://api.example.com/", "v2", "/widgets", map[string]string{"limit": "10"})
	want := "https://api.example.com/v2/widgets?limit=10"
	if got != want {
		t.Fatalf("buildRequestURL = %q, want %q", got, want)
	}
}

func TestBuildRequestURLSkipsEmptySegments(t *testing.T) {
	got := buildRequestURL("https://api.example.com", "", "", nil)
	want := "https://api.example.com"
	if got != want {
		t.Fatalf("buildRequestURL = %q, want %q", got, want)
	}
}

func TestMakeRequestAttachesBearerHeaderFromCredentials(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secrets := newTestSecretStore(t)
	if err := secrets.Set("SVC_ACCESS_TOKEN", "tok-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cfg := testConfig("svc")
	cfg.BaseURL = srv.URL
	c := New(cfg, &stubBehavior{}, secrets, nil)

	if _, err := c.MakeRequest(context.Background(), http.MethodGet, "", nil, nil, nil); err != nil {
		t.Fatalf("MakeRequest: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization header = %q, want Bearer tok-123", gotAuth)
	}
}

func TestWebhookSignatureVerification(t *testing.T) {
	payload := []byte(`{"event":"push"}`)
	secret := "shh"
	// compute a valid signature the same way VerifyWebhookSignature checks it
	if !VerifyWebhookSignature(secret, payload, validHMAC(secret, payload)) {
		t.Fatal("expected a correctly computed signature to verify")
	}
	if VerifyWebhookSignature(secret, payload, "deadbeef") {
		t.Fatal("expected an incorrect signature to fail verification")
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	cfg := testConfig("svc")
	cfg.WebhookEnabled = true
	cfg.WebhookSecret = "shh"
	c := New(cfg, &stubBehavior{chunks: []orchmodels.DocChunk{{Content: "x"}}}, newTestSecretStore(t), nil)

	_, err := c.HandleWebhook(context.Background(), []byte("payload"), "bad-signature")
	if err == nil {
		t.Fatal("expected HandleWebhook to reject a bad signature")
	}
}

func TestHandleWebhookAcceptsValidSignature(t *testing.T) {
	cfg := testConfig("svc")
	cfg.WebhookEnabled = true
	cfg.WebhookSecret = "shh"
	payload := []byte("payload")
	c := New(cfg, &stubBehavior{chunks: []orchmodels.DocChunk{{Content: "x"}}}, newTestSecretStore(t), nil)

	chunks, err := c.HandleWebhook(context.Background(), payload, validHMAC("shh", payload))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk from ProcessWebhook, got %d", len(chunks))
	}
}
