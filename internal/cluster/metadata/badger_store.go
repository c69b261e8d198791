package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a BadgerStore.
type Config struct {
	Dir         string
	GCInterval  time.Duration
	GCThreshold float64
	CacheSize   int64
}

// DefaultConfig returns sane Badger tuning defaults, mirroring the
// defaults the cluster's other Badger-backed component uses.
func DefaultConfig() Config {
	return Config{
		GCInterval:  10 * time.Minute,
		GCThreshold: 0.5,
		CacheSize:   64 << 20,
	}
}

// envelope is the on-disk representation of a versioned document: the
// raw MsgPack body plus the optimistic version counter, itself encoded
// as MsgPack so GetDocument/Update never need a second codec.
type envelope struct {
	Version uint64 `codec:"version"`
	Body    []byte `codec:"body"`
}

// BadgerStore implements Store over a single embedded Badger database.
// Metadata keys and document ids share the keyspace, namespaced by
// database so that system indices and ordinary indices never collide.
type BadgerStore struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	metricsHit  prometheus.Counter
	metricsMiss prometheus.Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerStore opens (or creates) a Badger database at cfg.Dir.
func NewBadgerStore(cfg Config, logger *slog.Logger) (*BadgerStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("metadata: badger store dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: logger}
	opts.BlockCacheSize = cfg.CacheSize

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("metadata: open badger: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go s.gcLoop()

	logger.Info("metadata store started", "dir", cfg.Dir)
	return s, nil
}

// RegisterMetrics wires hit/miss counters into the given registry.
func (s *BadgerStore) RegisterMetrics(registry *prometheus.Registry) *BadgerStore {
	s.metricsHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Subsystem: "metadata",
		Name:      "lookup_hits_total",
		Help:      "Metadata lookups that found an existing key or document.",
	})
	s.metricsMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Subsystem: "metadata",
		Name:      "lookup_misses_total",
		Help:      "Metadata lookups that found nothing.",
	})
	registry.MustRegister(s.metricsHit, s.metricsMiss)
	return s
}

func metaKey(database, key string) []byte {
	return []byte("m\x00" + database + "\x00" + key)
}

func docKey(database, id string) []byte {
	return []byte("d\x00" + database + "\x00" + id)
}

func (s *BadgerStore) GetMetadata(ctx context.Context, database, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(database, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrDocNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	s.recordLookup(err == nil)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) SetMetadata(ctx context.Context, database, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(database, key), value)
	})
}

func (s *BadgerStore) GetDocument(ctx context.Context, database, id string) (Document, error) {
	var env envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(database, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrDocNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeEnvelope(val, &env)
		})
	})
	s.recordLookup(err == nil)
	if err != nil {
		return Document{}, err
	}
	return Document{Body: env.Body, Version: env.Version}, nil
}

// Update performs an optimistic-locked write: a document at
// ExpectedVersion==0 with Create==true may be created from nothing;
// any other ExpectedVersion must match the document's current stored
// version exactly or the call fails with ErrVersionConflict.
func (s *BadgerStore) Update(ctx context.Context, database string, req UpdateRequest) (uint64, error) {
	key := docKey(database, req.ID)
	var newVersion uint64

	err := s.db.Update(func(txn *badger.Txn) error {
		var current envelope
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if !req.Create || req.ExpectedVersion != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			if verr := item.Value(func(val []byte) error { return decodeEnvelope(val, &current) }); verr != nil {
				return verr
			}
			if current.Version != req.ExpectedVersion {
				return ErrVersionConflict
			}
		}

		body := req.Object
		if req.Type == UpdateMerge && current.Body != nil {
			body = mergeMsgpack(current.Body, req.Object)
		}

		newVersion = current.Version + 1
		encoded, eerr := encodeEnvelope(envelope{Version: newVersion, Body: body})
		if eerr != nil {
			return eerr
		}
		return txn.Set(key, encoded)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *BadgerStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

func (s *BadgerStore) recordLookup(hit bool) {
	if s.metricsHit == nil {
		return
	}
	if hit {
		s.metricsHit.Inc()
	} else {
		s.metricsMiss.Inc()
	}
}

func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)

	interval := s.cfg.GCInterval
	if interval <= 0 {
		interval = DefaultConfig().GCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(s.cfg.GCThreshold)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Error("metadata store gc failed", "error", err)
				}
				break
			}
		case <-s.stopCh:
			return
		}
	}
}

var msgpackHandle codec.MsgpackHandle

func encodeEnvelope(e envelope) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &msgpackHandle)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("metadata: encode envelope: %w", err)
	}
	return buf, nil
}

func decodeEnvelope(data []byte, out *envelope) error {
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("metadata: decode envelope: %w", err)
	}
	return nil
}

// mergeMsgpack is a shallow last-writer-wins field merge over two
// MsgPack-encoded maps, used for UpdateMerge. Deep merging of nested
// objects is left to callers that need it; this mirrors the common case
// of patching top-level settings fields.
func mergeMsgpack(oldBody, patch []byte) []byte {
	var oldMap, patchMap map[string]interface{}
	if err := decodeMap(oldBody, &oldMap); err != nil {
		return patch
	}
	if err := decodeMap(patch, &patchMap); err != nil {
		return patch
	}
	for k, v := range patchMap {
		oldMap[k] = v
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &msgpackHandle)
	if err := enc.Encode(oldMap); err != nil {
		return patch
	}
	return buf
}

func decodeMap(data []byte, out *map[string]interface{}) error {
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	return dec.Decode(out)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debug(fmt.Sprintf(format, args...)) }
