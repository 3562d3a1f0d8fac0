// Package l4 implements the cold archive tier (§4.5 L4): immutable
// blob storage behind a Backend interface, with S3 and local-disk
// implementations selected by Config.Backend.
package l4

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Backend is implemented by each concrete cold-storage driver.
type Backend interface {
	Name() string
	Put(ctx context.Context, blob orchmodels.ArchiveBlob) error
	Get(ctx context.Context, key string) (orchmodels.ArchiveBlob, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

type BackendKind string

const (
	BackendS3    BackendKind = "s3"
	BackendLocal BackendKind = "local"
)

type Config struct {
	Backend  BackendKind
	S3Bucket string
	S3Prefix string
	LocalDir string
}

func Load() Config {
	return Config{Backend: BackendLocal, LocalDir: "./ovencore-archive"}
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendS3:
		return newS3Backend(ctx, cfg)
	default:
		return newLocalBackend(cfg)
	}
}

// ── S3 backend ───────────────────────────────────────────────

type s3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Backend(ctx context.Context, cfg Config) (*s3Backend, error) {
	if cfg.S3Bucket == "" {
		return nil, &coreerrors.ValidationError{Field: "S3Bucket", Reason: "must not be empty for the s3 backend"}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "s3", Err: err}
	}
	return &s3Backend{client: s3.NewFromConfig(awsCfg), bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

func (b *s3Backend) Name() string { return "s3" }

func (b *s3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *s3Backend) Put(ctx context.Context, blob orchmodels.ArchiveBlob) error {
	metaJSON, err := json.Marshal(blob.Metadata)
	if err != nil {
		return fmt.Errorf("l4: encoding archive metadata: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.objectKey(blob.Key)),
		Body:     bytes.NewReader(blob.Bytes),
		Metadata: map[string]string{"archive-metadata": string(metaJSON)},
	})
	if err != nil {
		return &coreerrors.BackendUnavailable{Backend: "s3", Err: err}
	}
	return nil
}

func (b *s3Backend) Get(ctx context.Context, key string) (orchmodels.ArchiveBlob, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return orchmodels.ArchiveBlob{}, &coreerrors.BackendUnavailable{Backend: "s3", Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return orchmodels.ArchiveBlob{}, fmt.Errorf("l4: reading s3 object body: %w", err)
	}
	var metadata map[string]string
	if raw, ok := out.Metadata["archive-metadata"]; ok {
		_ = json.Unmarshal([]byte(raw), &metadata)
	}
	return orchmodels.ArchiveBlob{Key: key, Bytes: data, Metadata: metadata, URI: fmt.Sprintf("s3://%s/%s", b.bucket, b.objectKey(key))}, nil
}

func (b *s3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return &coreerrors.BackendUnavailable{Backend: "s3", Err: err}
	}
	return nil
}

func (b *s3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return &coreerrors.BackendUnavailable{Backend: "s3", Err: err}
	}
	return nil
}

// ── Local disk backend ───────────────────────────────────────

// localBackend stores each blob as a pair of files: <key>.bin and
// <key>.meta.json. Used when no cloud credentials are configured.
type localBackend struct {
	dir string
}

func newLocalBackend(cfg Config) (*localBackend, error) {
	dir := cfg.LocalDir
	if dir == "" {
		dir = "./ovencore-archive"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("l4: creating local archive dir: %w", err)
	}
	return &localBackend{dir: dir}, nil
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) paths(key string) (dataPath, metaPath string) {
	safe := filepath.Base(key)
	return filepath.Join(b.dir, safe+".bin"), filepath.Join(b.dir, safe+".meta.json")
}

func (b *localBackend) Put(ctx context.Context, blob orchmodels.ArchiveBlob) error {
	dataPath, metaPath := b.paths(blob.Key)
	if err := os.WriteFile(dataPath, blob.Bytes, 0o644); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "local-archive", Err: err}
	}
	metaJSON, err := json.Marshal(blob.Metadata)
	if err != nil {
		return fmt.Errorf("l4: encoding archive metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "local-archive", Err: err}
	}
	return nil
}

func (b *localBackend) Get(ctx context.Context, key string) (orchmodels.ArchiveBlob, error) {
	dataPath, metaPath := b.paths(key)
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return orchmodels.ArchiveBlob{}, &coreerrors.BackendUnavailable{Backend: "local-archive", Err: err}
	}
	var metadata map[string]string
	if raw, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(raw, &metadata)
	}
	return orchmodels.ArchiveBlob{Key: key, Bytes: data, Metadata: metadata, URI: "file://" + dataPath}, nil
}

func (b *localBackend) Delete(ctx context.Context, key string) error {
	dataPath, metaPath := b.paths(key)
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return &coreerrors.BackendUnavailable{Backend: "local-archive", Err: err}
	}
	_ = os.Remove(metaPath)
	return nil
}

func (b *localBackend) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(b.dir)
	if err != nil || !info.IsDir() {
		return &coreerrors.BackendUnavailable{Backend: "local-archive", Err: fmt.Errorf("archive dir %q unavailable", b.dir)}
	}
	return nil
}

// ── Archiver: the archive()/purge() surface memory.Router calls ────

// Archiver wraps a Backend with the archive/retrieve/purge surface
// memory.Router calls. It does not track or check whether data was
// archived here before a warmer tier purges it.
type Archiver struct {
	backend Backend
}

func NewArchiver(backend Backend) *Archiver {
	return &Archiver{backend: backend}
}

// Archive writes a blob, stamping CreatedAt if the caller left it zero.
func (a *Archiver) Archive(ctx context.Context, blob orchmodels.ArchiveBlob) error {
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	if err := a.backend.Put(ctx, blob); err != nil {
		return err
	}
	log.Info().Str("key", blob.Key).Str("backend", a.backend.Name()).Msg("l4: blob archived")
	return nil
}

func (a *Archiver) Retrieve(ctx context.Context, key string) (orchmodels.ArchiveBlob, error) {
	return a.backend.Get(ctx, key)
}

// Purge removes an archived blob. Unlike L2/L3 tombstoning, L4 purge
// is always a hard delete: archive data has no further "soft" tier
// beneath it to fall back to.
func (a *Archiver) Purge(ctx context.Context, key string) error {
	return a.backend.Delete(ctx, key)
}

func (a *Archiver) HealthCheck(ctx context.Context) error {
	return a.backend.HealthCheck(ctx)
}
