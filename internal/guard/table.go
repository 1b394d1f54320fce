// Package guard implements the crash-tracking core: a fixed-size table of
// per-identity crash records with per-bucket locking, timer-driven expiry
// and suspension, and the two entry points the execution subsystem calls
// on segfault and before exec.
package guard

import (
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/crashguard/internal/identity"
	"github.com/agentsh/crashguard/pkg/types"
)

// DefaultHashSize is the bucket count used when none is configured. The
// table is sized once and never resized.
const DefaultHashSize = 512

// Sink receives guard events. The events broker satisfies it.
type Sink interface {
	Publish(types.Event)
}

type nopSink struct{}

func (nopSink) Publish(types.Event) {}

// record is one identity's crash bookkeeping. All fields are guarded by the
// owning bucket's mutex; the armed timer callback takes that same mutex
// before touching anything, so a firing countdown serializes with
// concurrent crash and check traffic on the bucket.
type record struct {
	key      identity.Key
	ncrashes uint64

	timer   *time.Timer
	armGen  uint64
	removed bool

	next *record
}

type bucket struct {
	mu   sync.Mutex
	head *record
}

// held is a still-locked bucket handle returned by lookup on a match. The
// caller must call Release on every exit path; Release is idempotent so an
// early error return and a deferred release cannot double-unlock.
type held struct {
	b    *bucket
	once sync.Once
}

func (h *held) Release() {
	h.once.Do(h.b.mu.Unlock)
}

// Table is the process-wide crash record store.
type Table struct {
	buckets []bucket
	sink    Sink
	logger  *slog.Logger
	live    atomic.Int64
}

func NewTable(size int, sink Sink, logger *slog.Logger) *Table {
	if size <= 0 {
		size = DefaultHashSize
	}
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		buckets: make([]bucket, size),
		sink:    sink,
		logger:  logger,
	}
}

// bucketFor must agree between lookup and insert for the same key; it is
// the correctness-critical invariant of the table.
func (t *Table) bucketFor(key identity.Key) *bucket {
	h := fnv.New32()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key.Serial)
	h.Write(buf[:])
	h.Write([]byte(key.Mount))
	binary.LittleEndian.PutUint32(buf[:4], key.UID)
	h.Write(buf[:4])
	return &t.buckets[h.Sum32()%uint32(len(t.buckets))]
}

// lookup scans the key's bucket. On a match the bucket lock is returned
// still held so the caller can mutate the record without a second lookup;
// on a miss the lock is released and both results are nil.
func (t *Table) lookup(key identity.Key) (*record, *held) {
	b := t.bucketFor(key)
	b.mu.Lock()
	for rec := b.head; rec != nil; rec = rec.next {
		if rec.key.Serial == key.Serial &&
			rec.key.Mount == key.Mount &&
			rec.key.UID == key.UID {
			return rec, &held{b: b}
		}
	}
	b.mu.Unlock()
	return nil, nil
}

// upsert returns the bucket-locked record for key. When absent it creates
// one with crash count 1, links it at the front of its bucket and arms the
// expiry countdown. Scan and create happen under one lock hold so two
// concurrent crashes of a fresh identity cannot insert duplicates.
func (t *Table) upsert(key identity.Key, scopeID string, expiry time.Duration) (rec *record, h *held, created bool) {
	b := t.bucketFor(key)
	b.mu.Lock()
	for rec := b.head; rec != nil; rec = rec.next {
		if rec.key.Serial == key.Serial &&
			rec.key.Mount == key.Mount &&
			rec.key.UID == key.UID {
			return rec, &held{b: b}, false
		}
	}

	rec = &record{key: key, ncrashes: 1, next: b.head}
	b.head = rec
	t.live.Add(1)
	t.armLocked(b, rec, scopeID, expiry)
	return rec, &held{b: b}, true
}

// armLocked cancels any pending countdown on rec and schedules a new one.
// Caller holds b.mu. The generation counter keeps a stale callback that was
// already in flight when we re-armed from acting on the record.
func (t *Table) armLocked(b *bucket, rec *record, scopeID string, d time.Duration) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.armGen++
	gen := rec.armGen
	rec.timer = time.AfterFunc(d, func() {
		t.reap(b, rec, scopeID, gen)
	})
}

// reap is the countdown callback: it removes the record, whether the
// countdown was an expiry or a suspension. It is the only deletion path.
func (t *Table) reap(b *bucket, rec *record, scopeID string, gen uint64) {
	b.mu.Lock()
	if rec.removed || rec.armGen != gen {
		b.mu.Unlock()
		return
	}
	t.unlinkLocked(b, rec)
	rec.removed = true
	count := rec.ncrashes
	b.mu.Unlock()

	t.logger.Info("crash record expired and removed",
		"uid", rec.key.UID, "serial", rec.key.Serial, "mount", rec.key.Mount,
		"crashes", count)
	t.sink.Publish(types.Event{
		Timestamp: time.Now().UTC(),
		Type:      types.EventRecordExpired,
		ScopeID:   scopeID,
		UID:       rec.key.UID,
		Serial:    rec.key.Serial,
		Mount:     rec.key.Mount,
		Count:     count,
	})
}

func (t *Table) unlinkLocked(b *bucket, rec *record) {
	if b.head == rec {
		b.head = rec.next
	} else {
		for cur := b.head; cur != nil; cur = cur.next {
			if cur.next == rec {
				cur.next = rec.next
				break
			}
		}
	}
	rec.next = nil
	t.live.Add(-1)
}

// Len returns the number of live records.
func (t *Table) Len() int {
	return int(t.live.Load())
}

// RecordInfo is a point-in-time view of one record for the control API.
type RecordInfo struct {
	UID    uint32 `json:"uid"`
	Serial uint64 `json:"serial"`
	Mount  string `json:"mount"`
	Count  uint64 `json:"count"`
}

// Snapshot copies the live records bucket by bucket. Each bucket is locked
// only for its own scan; the result is not a consistent cut of the whole
// table and does not need to be.
func (t *Table) Snapshot() []RecordInfo {
	var out []RecordInfo
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for rec := b.head; rec != nil; rec = rec.next {
			out = append(out, RecordInfo{
				UID:    rec.key.UID,
				Serial: rec.key.Serial,
				Mount:  rec.key.Mount,
				Count:  rec.ncrashes,
			})
		}
		b.mu.Unlock()
	}
	return out
}
