// Package progstore provides the BadgerDB-backed program store.
//
// Programs are content addressed: the key is the blake3 digest of the
// object bytes, so storing the same object twice is a no-op and a fetched
// blob can always be checked against its id. Objects are verified before
// admission and compressed with zstd on disk.
package progstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/loader"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

var (
	// ErrProgramNotFound is returned when no program has the given id.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrTooLarge is returned when an object exceeds MaxProgramSize.
	ErrTooLarge = errors.New("program object too large")
)

// MaxProgramSize bounds admitted object bytes.
const MaxProgramSize = 10 * 1024 * 1024

// Key prefixes for BadgerDB storage.
// Using prefixes allows efficient iteration over specific data types.
var (
	// prefixBlob is the prefix for compressed object bytes.
	// Key format: prefixBlob + program id (32 bytes)
	prefixBlob = []byte{0x01}

	// prefixInfo is the prefix for program metadata.
	// Key format: prefixInfo + program id (32 bytes)
	prefixInfo = []byte{0x02}
)

// Format names the on-disk object format of a stored program.
type Format string

const (
	// FormatELF marks ELF64 objects.
	FormatELF Format = "elf"

	// FormatRaw marks flat instruction-word files.
	FormatRaw Format = "raw"
)

// Meta describes a stored program.
type Meta struct {
	// ID is the blake3 digest of the object bytes.
	ID types.ProgramID

	// Name is the caller-supplied label, usually the source file name.
	Name string

	// Format is the detected object format.
	Format Format

	// Size is the uncompressed object size in bytes.
	Size int

	// StoredSize is the compressed blob size in bytes.
	StoredSize int

	// Entry is the entry instruction index.
	Entry int64

	// Insns is the program length in instruction slots.
	Insns int

	// Syscalls lists external call ids the program references.
	Syscalls []uint32

	// CreatedAt is the admission time.
	CreatedAt time.Time
}

// Config contains configuration for the program store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Registry resolves syscall ids during admission verification.
	// A nil registry defers call resolution to run time.
	Registry *vm.Registry

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		InMemory:         false,
		SyncWrites:       false,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20,
		Logger:           nil,
	}
}

// Store is a BadgerDB-backed verified-program store.
type Store struct {
	db       *badger.DB
	registry *vm.Registry

	enc *zstd.Encoder
	dec *zstd.Decoder

	// count is cached in memory.
	count atomic.Uint64

	// mu serializes admission and deletion for count tracking.
	mu sync.Mutex

	closed atomic.Bool
}

// Open creates or opens a program store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &Store{
		db:       db,
		registry: cfg.Registry,
		enc:      enc,
		dec:      dec,
	}

	if err := s.loadCount(); err != nil {
		s.dec.Close()
		s.enc.Close()
		db.Close()
		return nil, fmt.Errorf("count programs: %w", err)
	}

	return s, nil
}

// loadCount counts stored programs by walking metadata keys.
func (s *Store) loadCount() error {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixInfo
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.count.Store(n)
	return nil
}

// blobKey returns the BadgerDB key for a program's object bytes.
func blobKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.ProgramIDSize)
	key[0] = prefixBlob[0]
	copy(key[1:], id[:])
	return key
}

// infoKey returns the BadgerDB key for a program's metadata.
func infoKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.ProgramIDSize)
	key[0] = prefixInfo[0]
	copy(key[1:], id[:])
	return key
}

// Put verifies an object and admits it into the store. The returned
// metadata carries the content id. Admitting bytes already present
// returns the existing metadata unchanged.
func (s *Store) Put(name string, object []byte) (*Meta, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(object) > MaxProgramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(object))
	}

	id := types.ComputeProgramID(object)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Content addressed: same bytes, same entry.
	if meta, err := s.getInfo(id); err == nil {
		return meta, nil
	} else if !errors.Is(err, ErrProgramNotFound) {
		return nil, err
	}

	// Parse and verify before anything touches disk.
	var (
		prog     *vm.Program
		syscalls []uint32
		format   = FormatRaw
	)
	if loader.IsELF(object) {
		obj, err := loader.Load(object)
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
		prog = obj.Program
		syscalls = obj.Syscalls
		format = FormatELF
	} else {
		var err error
		prog, err = loader.LoadRaw(object)
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
	}
	if _, err := vm.NewExecutable(prog, s.registry); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	blob := s.enc.EncodeAll(object, nil)
	meta := &Meta{
		ID:         id,
		Name:       name,
		Format:     format,
		Size:       len(object),
		StoredSize: len(blob),
		Entry:      prog.Entry,
		Insns:      len(prog.Text),
		Syscalls:   syscalls,
		CreatedAt:  time.Now().UTC(),
	}
	infoData, err := encodeMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(id), blob); err != nil {
			return err
		}
		return txn.Set(infoKey(id), infoData)
	})
	if err != nil {
		return nil, err
	}

	s.count.Add(1)
	return meta, nil
}

// Get retrieves a program's object bytes by id.
func (s *Store) Get(id types.ProgramID) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var object []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrProgramNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			object, err = s.dec.DecodeAll(val, nil)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return object, nil
}

// Info retrieves a program's metadata by id.
func (s *Store) Info(id types.ProgramID) (*Meta, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.getInfo(id)
}

func (s *Store) getInfo(id types.ProgramID) (*Meta, error) {
	var meta *Meta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(infoKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrProgramNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m, err := decodeMeta(val)
			if err != nil {
				return err
			}
			meta = m
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Has checks if a program exists.
func (s *Store) Has(id types.ProgramID) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(infoKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Delete removes a program.
func (s *Store) Delete(id types.ProgramID) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getInfo(id); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(blobKey(id)); err != nil {
			return err
		}
		return txn.Delete(infoKey(id))
	})
	if err != nil {
		return err
	}

	s.count.Add(^uint64(0)) // Decrement
	return nil
}

// List returns metadata for every stored program, newest first.
func (s *Store) List() ([]*Meta, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var metas []*Meta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixInfo
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				m, err := decodeMeta(val)
				if err != nil {
					return err
				}
				metas = append(metas, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Count returns the number of stored programs.
func (s *Store) Count() uint64 {
	return s.count.Load()
}

// Sync ensures all writes are persisted to disk.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Sync()
}

// RunGC runs garbage collection on the value log.
// This should be called periodically to reclaim space.
func (s *Store) RunGC() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.RunValueLogGC(0.5)
}

// Size returns the size of the database in bytes.
func (s *Store) Size() (lsm, vlog int64) {
	return s.db.Size()
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

// encodeMeta serializes metadata with gob.
func encodeMeta(m *Meta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeMeta deserializes metadata.
func decodeMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
