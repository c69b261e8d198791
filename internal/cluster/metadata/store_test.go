package metadata

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	s, err := NewBadgerStore(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetMetadata(ctx, "idx", "schema"); err != ErrDocNotFound {
		t.Fatalf("expected ErrDocNotFound, got %v", err)
	}

	if err := s.SetMetadata(ctx, "idx", "schema", []byte("payload")); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	got, err := s.GetMetadata(ctx, "idx", "schema")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}

	if err := s.SetMetadata(ctx, "idx", "schema", []byte("overwritten")); err != nil {
		t.Fatalf("overwrite metadata: %v", err)
	}
	got, _ = s.GetMetadata(ctx, "idx", "schema")
	if string(got) != "overwritten" {
		t.Fatalf("last-writer-wins not honored, got %q", got)
	}
}

func TestUpdateOptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1, err := s.Update(ctx, "idx", UpdateRequest{
		ID:              "doc1",
		ExpectedVersion: 0,
		Create:          true,
		Object:          []byte("v1"),
		Commit:          true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected first version to be 1, got %d", v1)
	}

	v2, err := s.Update(ctx, "idx", UpdateRequest{
		ID:              "doc1",
		ExpectedVersion: v1,
		Object:          []byte("v2"),
		Commit:          true,
	})
	if err != nil {
		t.Fatalf("update with correct version: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected version 2, got %d", v2)
	}

	_, err = s.Update(ctx, "idx", UpdateRequest{
		ID:              "doc1",
		ExpectedVersion: v1,
		Object:          []byte("stale write"),
		Commit:          true,
	})
	if err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict on stale expected version, got %v", err)
	}

	doc, err := s.GetDocument(ctx, "idx", "doc1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Version != v2 || string(doc.Body) != "v2" {
		t.Fatalf("expected (v2, %q), got (%d, %q)", "v2", doc.Version, doc.Body)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetDocument(ctx, "idx", "missing"); err != ErrDocNotFound {
		t.Fatalf("expected ErrDocNotFound, got %v", err)
	}
}
