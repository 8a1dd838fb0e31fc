package ihrwatch

import (
	"bytes"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zeebo/blake3"

	"ihrwatch/internal/fetcher"
)

var (
	metaPrefix = []byte("m:")
	dataPrefix = []byte("d:")
)

type snapshotMeta struct {
	FetchedAt int64    `cbor:"1,keyasint"`
	Size      int64    `cbor:"2,keyasint"`
	Hash      [32]byte `cbor:"3,keyasint"`
}

type snapshotOp struct {
	name string
	snap fetcher.Snapshot
}

// SnapshotStore persists the last good payload of every fetcher in LevelDB so
// that a restarted process can serve stale data before its first fetch
// settles. Writes happen on a single background goroutine; Save never blocks.
type SnapshotStore struct {
	db       *leveldb.DB
	maxBytes int64
	log      *slog.Logger
	dropLog  *rateLimitedLogger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu        sync.Mutex
	index     map[string]snapshotMeta
	totalSize int64
	closed    bool

	ops  chan snapshotOp
	done chan struct{}
}

var _ fetcher.Store = (*SnapshotStore)(nil)

func OpenSnapshotStore(path string, maxBytes int64, log *slog.Logger) (*SnapshotStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, err
	}
	s := &SnapshotStore{
		db:       db,
		maxBytes: maxBytes,
		log:      log.With("component", "snapshots"),
		dropLog:  newRateLimitedLogger(log, time.Minute),
		enc:      enc,
		dec:      dec,
		index:    map[string]snapshotMeta{},
		ops:      make(chan snapshotOp, 256),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		s.closeCodecs()
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

// Close flushes pending writes and closes the database.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.done
	s.closeCodecs()
	return s.db.Close()
}

func (s *SnapshotStore) closeCodecs() {
	_ = s.enc.Close()
	s.dec.Close()
}

func (s *SnapshotStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]snapshotMeta{}
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta snapshotMeta
		if err := cbor.Unmarshal(it.Value(), &meta); err != nil {
			s.log.Warn("skipping unreadable snapshot meta", "name", name, "err", err)
			continue
		}
		idx[name] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// Load returns the stored snapshot for name.
func (s *SnapshotStore) Load(name string) (fetcher.Snapshot, bool) {
	s.mu.Lock()
	meta, ok := s.index[name]
	s.mu.Unlock()
	if !ok {
		return fetcher.Snapshot{}, false
	}

	b, err := s.db.Get(dataKey(name), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			s.log.Warn("read snapshot", "name", name, "err", err)
		}
		return fetcher.Snapshot{}, false
	}
	data, err := s.dec.DecodeAll(b, nil)
	if err != nil {
		s.log.Warn("decompress snapshot", "name", name, "err", err)
		return fetcher.Snapshot{}, false
	}
	return fetcher.Snapshot{Data: data, FetchedAt: time.Unix(0, meta.FetchedAt)}, true
}

// Save queues snap for writing. It is dropped when the queue is full.
func (s *SnapshotStore) Save(name string, snap fetcher.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- snapshotOp{name: name, snap: snap}:
	default:
		s.dropLog.Warn("snapshot queue full, dropping write", "name", name)
	}
}

func (s *SnapshotStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *SnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *SnapshotStore) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if err := s.apply(op.name, op.snap); err != nil {
			s.log.Warn("write snapshot", "name", op.name, "err", err)
		}
	}
}

func (s *SnapshotStore) apply(name string, snap fetcher.Snapshot) error {
	hash := blake3.Sum256(snap.Data)

	s.mu.Lock()
	old, exists := s.index[name]
	s.mu.Unlock()

	meta := snapshotMeta{FetchedAt: snap.FetchedAt.UnixNano(), Size: old.Size, Hash: hash}
	batch := new(leveldb.Batch)

	// Unchanged payloads only move the timestamp forward.
	if !exists || old.Hash != hash {
		compressed := s.enc.EncodeAll(snap.Data, nil)
		meta.Size = int64(len(compressed))
		batch.Put(dataKey(name), compressed)
	}
	mb, err := cbor.Marshal(meta)
	if err != nil {
		return err
	}
	batch.Put(metaKey(name), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.totalSize += meta.Size - old.Size
	s.index[name] = meta
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	if over {
		s.evictOldest()
	}
	return nil
}

func (s *SnapshotStore) delete(name string) {
	batch := new(leveldb.Batch)
	batch.Delete(dataKey(name))
	batch.Delete(metaKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		s.log.Warn("delete snapshot", "name", name, "err", err)
		return
	}

	s.mu.Lock()
	if meta, ok := s.index[name]; ok {
		s.totalSize -= meta.Size
		delete(s.index, name)
	}
	s.mu.Unlock()
}

// evictOldest drops the least recently fetched tenth of the snapshots.
func (s *SnapshotStore) evictOldest() {
	type item struct {
		name      string
		fetchedAt int64
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for name, m := range s.index {
		items = append(items, item{name, m.FetchedAt})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].fetchedAt < items[j].fetchedAt })

	n := max(1, len(items)/10)
	for _, it := range items[:min(n, len(items))] {
		s.delete(it.name)
	}
	s.log.Debug("evicted snapshots", "count", min(n, len(items)), "totalSize", s.TotalSize())
}

func metaKey(name string) []byte { return append(bytes.Clone(metaPrefix), name...) }

func dataKey(name string) []byte { return append(bytes.Clone(dataPrefix), name...) }
