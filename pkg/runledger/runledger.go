// Package runledger provides persistent append-only history of VM runs.
//
// Every completed run (clean exit, fault or budget exhaustion) becomes
// one sequenced record. Records are indexed by program id so the history
// of a single program can be pulled without scanning the whole ledger.
package runledger

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

var (
	// ErrRunNotFound is returned when a run record doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed ledger.
	ErrClosed = errors.New("run ledger closed")
)

// Bucket names for BoltDB.
var (
	// bucketRuns stores run records keyed by sequence number.
	bucketRuns = []byte("runs")

	// bucketByProgram indexes run sequence numbers by program id.
	bucketByProgram = []byte("runs_by_program")

	// bucketMetadata stores ledger counters.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyRunCount      = []byte("run_count")
	keyOKCount       = []byte("ok_count")
	keyFaultCount    = []byte("fault_count")
	keyBudgetCount   = []byte("budget_count")
	keyTotalConsumed = []byte("total_consumed")
)

// Status classifies how a run ended.
type Status string

const (
	// StatusOK marks a clean exit.
	StatusOK Status = "ok"

	// StatusFault marks a run stopped by a fault.
	StatusFault Status = "fault"

	// StatusOutOfBudget marks a run stopped by budget exhaustion.
	StatusOutOfBudget Status = "budget"
)

// StatusOf classifies a run error.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, vm.ErrOutOfInstructions):
		return StatusOutOfBudget
	default:
		return StatusFault
	}
}

// Record is one completed VM run.
type Record struct {
	// Seq is the ledger sequence number, assigned by Append.
	Seq uint64

	// ProgramID identifies the program that ran.
	ProgramID types.ProgramID

	// Name is the program's label at run time.
	Name string

	// Backend names the execution backend ("interp" or "jit").
	Backend string

	// Status classifies the outcome.
	Status Status

	// R0 is the exit value for clean exits.
	R0 uint64

	// Error holds the fault text for non-ok runs.
	Error string

	// Consumed is the instruction budget spent.
	Consumed uint64

	// Budget is the configured instruction budget.
	Budget uint64

	// InputSize is the guest input length in bytes.
	InputSize int

	// Duration is the wall time of the run.
	Duration time.Duration

	// StartedAt is when the run began.
	StartedAt time.Time
}

// Stats contains ledger statistics.
type Stats struct {
	// Total is the number of records.
	Total uint64

	// OK counts clean exits.
	OK uint64

	// Faults counts faulted runs.
	Faults uint64

	// OutOfBudget counts budget-exhausted runs.
	OutOfBudget uint64

	// TotalConsumed sums instruction budget spent across all runs.
	TotalConsumed uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// Config holds ledger configuration options.
type Config struct {
	// Path is the file path for the ledger database.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		NoSync:   false,
		ReadOnly: false,
	}
}

// Ledger is the BoltDB-backed run history.
type Ledger struct {
	db     *bolt.DB
	config Config

	// Cached counters for fast reads.
	mu            sync.RWMutex
	runCount      uint64
	okCount       uint64
	faultCount    uint64
	budgetCount   uint64
	totalConsumed uint64

	closed bool
}

// Open creates or opens a run ledger at the given path.
func Open(config Config) (*Ledger, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	l := &Ledger{
		db:     db,
		config: config,
	}

	if !config.ReadOnly {
		if err := l.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if err := l.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	return l, nil
}

// initBuckets creates all required buckets.
func (l *Ledger) initBuckets() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRuns,
			bucketByProgram,
			bucketMetadata,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// loadCachedValues loads counters into memory.
func (l *Ledger) loadCachedValues() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database, no values to load.
		}

		if v := meta.Get(keyRunCount); v != nil {
			l.runCount = decodeSeqKey(v)
		}
		if v := meta.Get(keyOKCount); v != nil {
			l.okCount = decodeSeqKey(v)
		}
		if v := meta.Get(keyFaultCount); v != nil {
			l.faultCount = decodeSeqKey(v)
		}
		if v := meta.Get(keyBudgetCount); v != nil {
			l.budgetCount = decodeSeqKey(v)
		}
		if v := meta.Get(keyTotalConsumed); v != nil {
			l.totalConsumed = decodeSeqKey(v)
		}
		return nil
	})
}

// Append stores a run record and returns its sequence number. A zero
// StartedAt is filled with the current time.
func (l *Ledger) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		s, err := runs.NextSequence()
		if err != nil {
			return err
		}
		seq = s
		rec.Seq = seq

		data, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := runs.Put(encodeSeqKey(seq), data); err != nil {
			return err
		}

		idx := tx.Bucket(bucketByProgram)
		if err := idx.Put(programSeqKey(rec.ProgramID, seq), []byte{}); err != nil {
			return err
		}

		return l.putCounters(tx, counterDelta(rec, +1))
	})
	if err != nil {
		return 0, err
	}

	l.applyDelta(counterDelta(rec, +1))
	return seq, nil
}

// Get retrieves a run record by sequence number.
func (l *Ledger) Get(seq uint64) (*Record, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	l.mu.RUnlock()

	var rec *Record
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(encodeSeqKey(seq))
		if data == nil {
			return ErrRunNotFound
		}
		r, err := decodeRecord(data)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (l *Ledger) Recent(limit int) ([]*Record, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	l.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}

	var recs []*Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil && len(recs) < limit; k, v = c.Prev() {
			r, err := decodeRecord(v)
			if err != nil {
				continue // Skip corrupted records.
			}
			recs = append(recs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ByProgram returns up to limit records for one program, newest first.
func (l *Ledger) ByProgram(id types.ProgramID, limit int) ([]*Record, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	l.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}

	var recs []*Record
	err := l.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketByProgram).Cursor()
		prefix := id[:]

		// Collect matching sequence numbers in ascending order.
		var seqs []uint64
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != types.ProgramIDSize+8 {
				continue
			}
			seqs = append(seqs, binary.BigEndian.Uint64(k[types.ProgramIDSize:]))
		}

		// Newest first, capped at limit.
		for i := len(seqs) - 1; i >= 0 && len(recs) < limit; i-- {
			data := runs.Get(encodeSeqKey(seqs[i]))
			if data == nil {
				continue
			}
			r, err := decodeRecord(data)
			if err != nil {
				continue
			}
			recs = append(recs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Stats returns ledger statistics.
func (l *Ledger) Stats() (*Stats, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	stats := &Stats{
		Total:         l.runCount,
		OK:            l.okCount,
		Faults:        l.faultCount,
		OutOfBudget:   l.budgetCount,
		TotalConsumed: l.totalConsumed,
	}
	l.mu.RUnlock()

	err := l.db.View(func(tx *bolt.Tx) error {
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Prune deletes the oldest records beyond keepRuns and returns how many
// were removed.
func (l *Ledger) Prune(keepRuns uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if l.runCount <= keepRuns {
		return 0, nil
	}
	toDelete := l.runCount - keepRuns

	var pruned uint64
	var delta ledgerDelta
	err := l.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		idx := tx.Bucket(bucketByProgram)

		// Collect the oldest keys first; deleting while cursoring is
		// not safe.
		type victim struct {
			key []byte
			rec *Record
		}
		var victims []victim
		c := runs.Cursor()
		for k, v := c.First(); k != nil && uint64(len(victims)) < toDelete; k, v = c.Next() {
			r, err := decodeRecord(v)
			if err != nil {
				r = nil
			}
			victims = append(victims, victim{key: append([]byte{}, k...), rec: r})
		}

		for _, vic := range victims {
			if err := runs.Delete(vic.key); err != nil {
				return err
			}
			if vic.rec != nil {
				if err := idx.Delete(programSeqKey(vic.rec.ProgramID, vic.rec.Seq)); err != nil {
					return err
				}
				d := counterDelta(vic.rec, -1)
				delta.runs += d.runs
				delta.ok += d.ok
				delta.faults += d.faults
				delta.budget += d.budget
				delta.consumed += d.consumed
			} else {
				delta.runs--
			}
			pruned++
		}

		return l.putCounters(tx, delta)
	})
	if err != nil {
		return 0, err
	}

	l.applyDelta(delta)
	return pruned, nil
}

// Sync flushes the database to disk.
func (l *Ledger) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return l.db.Sync()
}

// Close closes the ledger.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.db.Close()
}

// ledgerDelta accumulates signed counter changes.
type ledgerDelta struct {
	runs     int64
	ok       int64
	faults   int64
	budget   int64
	consumed int64
}

// counterDelta converts one record into counter changes with the given
// sign.
func counterDelta(rec *Record, sign int64) ledgerDelta {
	d := ledgerDelta{runs: sign, consumed: sign * int64(rec.Consumed)}
	switch rec.Status {
	case StatusOK:
		d.ok = sign
	case StatusOutOfBudget:
		d.budget = sign
	default:
		d.faults = sign
	}
	return d
}

// applyDelta folds counter changes into the cached values. Caller must
// hold mu.
func (l *Ledger) applyDelta(d ledgerDelta) {
	l.runCount = addSigned(l.runCount, d.runs)
	l.okCount = addSigned(l.okCount, d.ok)
	l.faultCount = addSigned(l.faultCount, d.faults)
	l.budgetCount = addSigned(l.budgetCount, d.budget)
	l.totalConsumed = addSigned(l.totalConsumed, d.consumed)
}

// putCounters persists the cached counters plus a pending delta inside
// the same transaction as the change they describe.
func (l *Ledger) putCounters(tx *bolt.Tx, d ledgerDelta) error {
	meta := tx.Bucket(bucketMetadata)
	pairs := []struct {
		key []byte
		val uint64
	}{
		{keyRunCount, addSigned(l.runCount, d.runs)},
		{keyOKCount, addSigned(l.okCount, d.ok)},
		{keyFaultCount, addSigned(l.faultCount, d.faults)},
		{keyBudgetCount, addSigned(l.budgetCount, d.budget)},
		{keyTotalConsumed, addSigned(l.totalConsumed, d.consumed)},
	}
	for _, p := range pairs {
		if err := meta.Put(p.key, encodeSeqKey(p.val)); err != nil {
			return err
		}
	}
	return nil
}

func addSigned(v uint64, d int64) uint64 {
	if d >= 0 {
		return v + uint64(d)
	}
	n := uint64(-d)
	if n > v {
		return 0
	}
	return v - n
}

// encodeSeqKey encodes a sequence number as a big-endian 8-byte key.
func encodeSeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// decodeSeqKey decodes a sequence number from a big-endian 8-byte key.
func decodeSeqKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// programSeqKey builds an index key of program id followed by sequence
// number, so one program's runs are contiguous and time ordered.
func programSeqKey(id types.ProgramID, seq uint64) []byte {
	key := make([]byte, types.ProgramIDSize+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[types.ProgramIDSize:], seq)
	return key
}

// encodeRecord serializes a record with gob.
func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRecord deserializes a record.
func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
