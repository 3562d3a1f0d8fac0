package l4

import (
	"context"
	"testing"

	"github.com/ovencore/ovencore/pkg/orchmodels"
)

func TestLocalBackendPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := newLocalBackend(Config{LocalDir: dir})
	if err != nil {
		t.Fatalf("newLocalBackend: %v", err)
	}
	ctx := context.Background()
	blob := orchmodels.ArchiveBlob{Key: "report-2026-01", Bytes: []byte("archived content"), Metadata: map[string]string{"source": "bi"}}
	if err := backend.Put(ctx, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := backend.Get(ctx, "report-2026-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Bytes) != "archived content" {
		t.Fatalf("Bytes = %q, want %q", got.Bytes, "archived content")
	}
	if got.Metadata["source"] != "bi" {
		t.Fatalf("Metadata[source] = %q, want bi", got.Metadata["source"])
	}
}

func TestLocalBackendDelete(t *testing.T) {
	dir := t.TempDir()
	backend, err := newLocalBackend(Config{LocalDir: dir})
	if err != nil {
		t.Fatalf("newLocalBackend: %v", err)
	}
	ctx := context.Background()
	if err := backend.Put(ctx, orchmodels.ArchiveBlob{Key: "k", Bytes: []byte("x")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := backend.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := backend.Get(ctx, "k"); err == nil {
		t.Fatal("expected Get to fail after Delete")
	}
}

func TestArchiverHardDeletesOnPurge(t *testing.T) {
	dir := t.TempDir()
	backend, err := newLocalBackend(Config{LocalDir: dir})
	if err != nil {
		t.Fatalf("newLocalBackend: %v", err)
	}
	archiver := NewArchiver(backend)
	ctx := context.Background()
	if err := archiver.Archive(ctx, orchmodels.ArchiveBlob{Key: "k", Bytes: []byte("x")}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := archiver.Retrieve(ctx, "k"); err != nil {
		t.Fatalf("Retrieve before purge: %v", err)
	}
	if err := archiver.Purge(ctx, "k"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := archiver.Retrieve(ctx, "k"); err == nil {
		t.Fatal("expected Retrieve to fail after Purge")
	}
}

func TestLocalBackendHealthCheck(t *testing.T) {
	dir := t.TempDir()
	backend, err := newLocalBackend(Config{LocalDir: dir})
	if err != nil {
		t.Fatalf("newLocalBackend: %v", err)
	}
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestNewRejectsS3WithoutBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: BackendS3})
	if err == nil {
		t.Fatal("expected error constructing an s3 backend with no bucket configured")
	}
}
