// The durable overflow is a per-namespace, file-backed secondary store for entries that were
// evicted under capacity pressure while still valid. It is purely an optimization layer: every
// failure downgrades to a miss, so disabling it changes hit rate, never correctness.
//
// Records are appended to a single `<name>.ovf` file, keyed by an xxhash digest of the original
// key, in the layout:
//
//	magic (1B) | key digest (8B) | created-at ns (8B) | ttl ns (8B) | payload len (4B) |
//	payload checksum (8B) | gob payload
//
// An in-memory digest -> offset index is rebuilt by scanning the file on open, and a bloom filter
// over the digests short-circuits definite misses without touching the disk. Appends run on a
// dedicated writer goroutine fed by a bounded queue, so the cache's in-memory lock is never held
// across disk I/O; memory and disk state are only eventually consistent.

package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	overflowMagic       = byte(0x6D) // 'm'
	overflowHeaderSize  = 1 + 8 + 8 + 8 + 4 + 8
	maxOverflowPayload  = 64 << 20 // Payloads above this are treated as corrupt at read time.
	overflowQueueLength = 256      // Pending spills beyond this are dropped, not blocked on.

	// Bloom filter sizing; rebuilt from the live index on every compaction.
	overflowFilterCapacity = 100_000
	overflowFilterFPRate   = 0.01
)

var (
	overflowLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_overflow_lookups_total",
		Help: "Total number of durable overflow lookups.",
	}, []string{"cache", "status" /* hit | miss */})
	overflowSpills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_overflow_spilled_entries_total",
		Help: "Total number of evicted entries spilled to the durable overflow.",
	}, []string{"cache"})
	overflowDroppedSpills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_overflow_dropped_spills_total",
		Help: "Total number of spills dropped because the overflow write queue was full.",
	}, []string{"cache"})
	overflowCorruptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_overflow_corrupt_records_total",
		Help: "Total number of overflow records dropped due to corruption.",
	}, []string{"cache"})
)

// payloadBox wraps the stored value so gob can round-trip both concrete and interface-typed
// payloads. Interface payloads additionally require their concrete types to be registered
// with gob.Register; unregistered values fail serialization and are skipped.
type payloadBox[V any] struct {
	Value V
}

func init() {
	// Cover the common scalar payloads so `any`-typed namespaces spill without caller setup;
	// other concrete types need a gob.Register call from the application.
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(time.Time{})
}

// recordRef locates a live record inside the overflow file.
type recordRef struct {
	offset int64
	length int64     // Total record length including the header.
	expiry time.Time // Zero means the record never expires.
}

type overflow[V any] struct {
	name string
	path string

	mux    sync.Mutex // Guards file, index, filter, and the byte accounting.
	file   *os.File
	index  map[uint64]recordRef
	filter *bloom.BloomFilter
	size   int64 // Current file length.
	dead   int64 // Bytes owned by superseded, deleted, or corrupt records.

	queue chan *entry[V]
	done  chan struct{}
	wg    sync.WaitGroup
}

// newOverflow opens (or creates) the namespace's overflow file, rebuilds the record index from
// it, and starts the background writer.
func newOverflow[V any](dir, name string) (*overflow[V], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create overflow directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".ovf")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open overflow file %s: %w", path, err)
	}

	o := &overflow[V]{
		name:   name,
		path:   path,
		file:   file,
		index:  make(map[uint64]recordRef),
		filter: bloom.NewWithEstimates(overflowFilterCapacity, overflowFilterFPRate),
		queue:  make(chan *entry[V], overflowQueueLength),
		done:   make(chan struct{}),
	}
	if err := o.loadIndex(); err != nil {
		_ = file.Close()
		return nil, err
	}

	o.wg.Add(1)
	go o.writeLoop()
	return o, nil
}

// loadIndex scans the overflow file and rebuilds the digest index. A malformed header truncates
// the file at that point, dropping the torn tail of an interrupted write.
func (o *overflow[V]) loadIndex() error {
	info, err := o.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat overflow file %s: %w", o.path, err)
	}
	fileSize := info.Size()

	var header [overflowHeaderSize]byte
	offset := int64(0)
	for offset < fileSize {
		if _, err := o.file.ReadAt(header[:], offset); err != nil {
			break // A short tail is handled by the truncation below.
		}
		digest, createdAt, ttl, payloadLen, _ := parseOverflowHeader(header)
		if header[0] != overflowMagic || payloadLen > maxOverflowPayload ||
			offset+overflowHeaderSize+int64(payloadLen) > fileSize {
			break
		}
		length := int64(overflowHeaderSize) + int64(payloadLen)
		if prev, superseded := o.index[digest]; superseded {
			o.dead += prev.length
		}
		var expiry time.Time
		if ttl > 0 {
			expiry = createdAt.Add(ttl)
		}
		o.index[digest] = recordRef{offset: offset, length: length, expiry: expiry}
		o.addToFilter(digest)
		offset += length
	}
	if offset < fileSize {
		slog.Warn("Truncating overflow file at torn record.", "cache", o.name, "offset", offset)
		if err := o.file.Truncate(offset); err != nil {
			return fmt.Errorf("failed to truncate overflow file %s: %w", o.path, err)
		}
	}
	o.size = offset
	return nil
}

func parseOverflowHeader(header [overflowHeaderSize]byte) (digest uint64, createdAt time.Time,
	ttl time.Duration, payloadLen uint32, checksum uint64) {
	digest = binary.BigEndian.Uint64(header[1:9])
	createdAt = time.Unix(0, int64(binary.BigEndian.Uint64(header[9:17])))
	ttl = time.Duration(binary.BigEndian.Uint64(header[17:25]))
	payloadLen = binary.BigEndian.Uint32(header[25:29])
	checksum = binary.BigEndian.Uint64(header[29:37])
	return digest, createdAt, ttl, payloadLen, checksum
}

func (o *overflow[V]) addToFilter(digest uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], digest)
	o.filter.Add(b[:])
}

func (o *overflow[V]) filterMayContain(digest uint64) bool {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], digest)
	return o.filter.Test(b[:])
}

// enqueue hands an evicted entry to the background writer. Spilling is best effort: when the
// queue is full the entry is dropped and only a counter records the loss.
func (o *overflow[V]) enqueue(e *entry[V]) {
	select {
	case o.queue <- e:
	case <-o.done:
	default:
		overflowDroppedSpills.WithLabelValues(o.name).Inc()
	}
}

// writeLoop drains the spill queue until close.
func (o *overflow[V]) writeLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case e := <-o.queue:
			o.persist(e)
		}
	}
}

// persist serializes and appends one evicted entry. Serialization failures are non-fatal:
// the spill is skipped and the in-memory cache path is unaffected.
func (o *overflow[V]) persist(e *entry[V]) {
	payload, err := encodePayload(e.value)
	if err != nil {
		slog.Warn("Failed to serialize evicted entry for the overflow, skipping.",
			"cache", o.name, "key", e.key, "error", err)
		return
	}

	record := make([]byte, overflowHeaderSize+len(payload))
	digest := xxhash.Sum64String(e.key)
	record[0] = overflowMagic
	binary.BigEndian.PutUint64(record[1:9], digest)
	binary.BigEndian.PutUint64(record[9:17], uint64(e.createdAt.UnixNano()))
	binary.BigEndian.PutUint64(record[17:25], uint64(e.ttl))
	binary.BigEndian.PutUint32(record[25:29], uint32(len(payload)))
	binary.BigEndian.PutUint64(record[29:37], xxhash.Sum64(payload))
	copy(record[overflowHeaderSize:], payload)

	o.mux.Lock()
	defer o.mux.Unlock()
	if _, err := o.file.WriteAt(record, o.size); err != nil {
		slog.Error("Failed to append overflow record.", "cache", o.name, "key", e.key, "error", err)
		return
	}
	if prev, superseded := o.index[digest]; superseded {
		o.dead += prev.length
	}
	var expiry time.Time
	if e.ttl > 0 {
		expiry = e.createdAt.Add(e.ttl)
	}
	o.index[digest] = recordRef{offset: o.size, length: int64(len(record)), expiry: expiry}
	o.addToFilter(digest)
	o.size += int64(len(record))
	overflowSpills.WithLabelValues(o.name).Inc()

	// Reclaim the file once dead records dominate it.
	if o.dead > o.size/2 && o.dead > int64(1<<20) {
		if err := o.compact(); err != nil {
			slog.Error("Failed to compact overflow file.", "cache", o.name, "error", err)
		}
	}
}

func encodePayload[V any](value V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payloadBox[V]{Value: value}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// get looks up a still-valid record for the key. A hit removes the record from the index since
// the entry is promoted back into memory. Expired and corrupt records are dropped and reported
// as misses; corruption is never fatal.
func (o *overflow[V]) get(key string, now time.Time) (value V, remainingTTL time.Duration, ok bool) {
	var zero V
	digest := xxhash.Sum64String(key)

	o.mux.Lock()
	defer o.mux.Unlock()

	if !o.filterMayContain(digest) {
		overflowLookups.WithLabelValues(o.name, "miss").Inc()
		return zero, 0, false
	}
	ref, exists := o.index[digest]
	if !exists {
		overflowLookups.WithLabelValues(o.name, "miss").Inc()
		return zero, 0, false
	}
	if !ref.expiry.IsZero() && now.After(ref.expiry) {
		o.dropRecordLocked(digest, ref)
		overflowLookups.WithLabelValues(o.name, "miss").Inc()
		return zero, 0, false
	}

	record := make([]byte, ref.length)
	if _, err := o.file.ReadAt(record, ref.offset); err != nil {
		o.corruptRecordLocked(digest, ref, err)
		return zero, 0, false
	}
	var header [overflowHeaderSize]byte
	copy(header[:], record[:overflowHeaderSize])
	gotDigest, _, _, payloadLen, checksum := parseOverflowHeader(header)
	payload := record[overflowHeaderSize:]
	if record[0] != overflowMagic || gotDigest != digest ||
		int(payloadLen) != len(payload) || xxhash.Sum64(payload) != checksum {
		o.corruptRecordLocked(digest, ref, errors.New("record failed integrity checks"))
		return zero, 0, false
	}

	var box payloadBox[V]
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&box); err != nil {
		o.corruptRecordLocked(digest, ref, err)
		return zero, 0, false
	}

	// The entry goes back into memory, so the on-disk copy is dead from here on.
	o.dropRecordLocked(digest, ref)
	overflowLookups.WithLabelValues(o.name, "hit").Inc()
	if !ref.expiry.IsZero() {
		remainingTTL = ref.expiry.Sub(now)
	}
	return box.Value, remainingTTL, true
}

// dropRecordLocked removes a record from the index and marks its bytes dead.
func (o *overflow[V]) dropRecordLocked(digest uint64, ref recordRef) {
	delete(o.index, digest)
	o.dead += ref.length
}

func (o *overflow[V]) corruptRecordLocked(digest uint64, ref recordRef, err error) {
	slog.Warn("Dropping corrupt overflow record.", "cache", o.name, "offset", ref.offset, "error", err)
	overflowCorruptRecords.WithLabelValues(o.name).Inc()
	overflowLookups.WithLabelValues(o.name, "miss").Inc()
	o.dropRecordLocked(digest, ref)
}

// remove drops the record for the key, if any, and reports whether one existed.
func (o *overflow[V]) remove(key string) bool {
	digest := xxhash.Sum64String(key)
	o.mux.Lock()
	defer o.mux.Unlock()
	ref, exists := o.index[digest]
	if exists {
		o.dropRecordLocked(digest, ref)
	}
	return exists
}

// clear wipes the overflow file and all in-memory bookkeeping.
func (o *overflow[V]) clear() {
	o.mux.Lock()
	defer o.mux.Unlock()
	if err := o.file.Truncate(0); err != nil {
		slog.Error("Failed to truncate overflow file.", "cache", o.name, "error", err)
		return
	}
	o.index = make(map[uint64]recordRef)
	o.filter = bloom.NewWithEstimates(overflowFilterCapacity, overflowFilterFPRate)
	o.size = 0
	o.dead = 0
}

// compact rewrites all live records into a fresh file and swaps it in place, reclaiming the
// dead bytes. NOTE: Caller should acquire lock.
func (o *overflow[V]) compact() error {
	tmpPath := o.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	newIndex := make(map[uint64]recordRef, len(o.index))
	newFilter := bloom.NewWithEstimates(overflowFilterCapacity, overflowFilterFPRate)
	newSize := int64(0)
	for digest, ref := range o.index {
		record := make([]byte, ref.length)
		if _, err := o.file.ReadAt(record, ref.offset); err != nil {
			continue // Unreadable records are simply not carried over.
		}
		if _, err := tmp.WriteAt(record, newSize); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to write compacted record: %w", err)
		}
		newIndex[digest] = recordRef{offset: newSize, length: ref.length, expiry: ref.expiry}
		newSize += ref.length
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], digest)
		newFilter.Add(b[:])
	}

	if err := os.Rename(tmpPath, o.path); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to swap compacted overflow file: %w", err)
	}
	_ = o.file.Close()
	o.file = tmp
	o.index = newIndex
	o.filter = newFilter
	o.size = newSize
	o.dead = 0
	slog.Debug("Compacted overflow file.", "cache", o.name, "bytes", newSize, "records", len(newIndex))
	return nil
}

// close stops the background writer and closes the file. Queued spills that have not been
// persisted yet are lost, which the overflow's best-effort contract allows.
func (o *overflow[V]) close() error {
	close(o.done)
	o.wg.Wait()
	o.mux.Lock()
	defer o.mux.Unlock()
	return o.file.Close()
}
