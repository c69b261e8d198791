package schema

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/yndnr/tokmesh-go/internal/cluster/metadata"
	"github.com/yndnr/tokmesh-go/internal/cluster/resolver"
)

// fakeStore is a minimal, controllable metadata.Store used to force a
// specific goroutine interleaving in TestConcurrentSetRaceSingleWinner
// without needing a real Badger database or timing-based sleeps.
type fakeStore struct {
	mu      sync.Mutex
	meta    map[string][]byte
	calls   int
	blocked chan struct{}
}

func (f *fakeStore) GetMetadata(ctx context.Context, database, key string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if first && f.blocked != nil {
		<-f.blocked
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.meta[database+"\x00"+key]
	if !ok {
		return nil, metadata.ErrDocNotFound
	}
	return v, nil
}

func (f *fakeStore) SetMetadata(ctx context.Context, database, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		f.meta = map[string][]byte{}
	}
	f.meta[database+"\x00"+key] = value
	return nil
}

func (f *fakeStore) GetDocument(ctx context.Context, database, id string) (metadata.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.meta["doc\x00"+database+"\x00"+id]
	if !ok {
		return metadata.Document{}, metadata.ErrDocNotFound
	}
	return metadata.Document{Body: v, Version: 1}, nil
}

func (f *fakeStore) Update(ctx context.Context, database string, req metadata.UpdateRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		f.meta = map[string][]byte{}
	}
	f.meta["doc\x00"+database+"\x00"+req.ID] = req.Object
	return 1, nil
}

func (f *fakeStore) Close() error { return nil }

// fakeResolver always reports a single endpoint, enough to let getShared
// proceed to the document fetch without needing a real IndexResolver.
type fakeResolver struct{}

func (fakeResolver) ResolveIndexEndpoints(ctx context.Context, path string, writable, primary bool, settings *resolver.Settings) ([]resolver.Endpoint, error) {
	return []resolver.Endpoint{{Node: "n1", Path: path}}, nil
}

func TestForeignCycleDetected(t *testing.T) {
	fs := &fakeStore{}
	s, err := New(DefaultConfig(), fs, fakeResolver{}, nil)
	if err != nil {
		t.Fatalf("new schemas: %v", err)
	}
	ctx := context.Background()

	if err := fs.SetMetadata(ctx, "/a", "schema", mustEncode(t, NewForeign("/b/doc1"))); err != nil {
		t.Fatalf("seed /a schema: %v", err)
	}
	if _, err := fs.Update(ctx, "/b", metadata.UpdateRequest{ID: "doc1", Create: true, Object: mustEncode(t, NewForeign("/a/doc2"))}); err != nil {
		t.Fatalf("seed /b/doc1: %v", err)
	}

	_, err = s.Get(ctx, "/a")
	if err == nil {
		t.Fatal("expected a cyclic reference error, got nil")
	}
	if !errors.Is(err, ErrCyclicReference) {
		t.Fatalf("expected errors.Is(err, ErrCyclicReference), got %v", err)
	}
}

func TestConcurrentSetRaceSingleWinner(t *testing.T) {
	fs := &fakeStore{blocked: make(chan struct{})}
	s, err := New(DefaultConfig(), fs, nil, nil)
	if err != nil {
		t.Fatalf("new schemas: %v", err)
	}
	ctx := context.Background()
	path := SystemNodesPath

	loserDesired := NewLocal(map[string]interface{}{"loser": true})
	winnerDesired := NewLocal(map[string]interface{}{"winner": true})

	type outcome struct {
		resolved Ref
		failure  bool
		err      error
	}
	loserCh := make(chan outcome, 1)

	go func() {
		resolved, failure, err := s.Set(ctx, path, loserDesired, true)
		loserCh <- outcome{resolved, failure, err}
	}()

	for {
		fs.mu.Lock()
		seen := fs.calls
		fs.mu.Unlock()
		if seen >= 1 {
			break
		}
		runtime.Gosched()
	}

	winnerResolved, winnerFailure, err := s.Set(ctx, path, winnerDesired, true)
	if err != nil {
		t.Fatalf("winner set: %v", err)
	}
	if winnerFailure {
		t.Fatal("expected the synchronous writer to win, got failure=true")
	}

	close(fs.blocked)
	loser := <-loserCh
	if loser.err != nil {
		t.Fatalf("loser set: %v", loser.err)
	}
	if !loser.failure {
		t.Fatal("expected the delayed writer to report failure=true")
	}
	if !loser.resolved.sameValue(winnerResolved) {
		t.Fatalf("expected the loser's returned schema to match the winner's: %+v vs %+v", loser.resolved, winnerResolved)
	}
}

func mustEncode(t *testing.T, r Ref) []byte {
	t.Helper()
	b, err := encodeRef(r)
	if err != nil {
		t.Fatalf("encode ref: %v", err)
	}
	return b
}
