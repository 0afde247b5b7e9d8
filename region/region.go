// Package region implements the segmented shared-memory region: naming,
// chunk allocation/mapping, the superblock, and fat-pointer translation
// to process-local addresses (§3.1, §4.1).
//
// The chunk table is grounded on lldb/memfiler.go's page-indexed map
// (memFilerMap map[int64]*[pgSize]byte): here each chunk index maps to a
// process-local mmap'd byte slice instead of a page inside one file, but
// the "index into a growable table of fixed-size buffers" shape is the
// same.
package region

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ChunkSize is the fixed size of every chunk (§3.1): 1 MiB.
const ChunkSize = 1 << 20

// MaxChunks bounds the region's chunk table; grounded on
// original_source/src/shm_defs.h's SHM_BLOCK_COUNT (2*1024).
const MaxChunks = 2048

// ChunkKind tags what a chunk (other than chunk 0, the superblock) is
// currently repurposed as.
type ChunkKind uint8

const (
	KindUnused ChunkKind = iota
	KindThreadSector
	KindThreadSectorFlex
	KindRoot
)

// Region is one attached view of a shared-memory region. Every attached
// process has its own Region value with process-local chunk base
// addresses; the superblock and chunk contents are shared.
type Region struct {
	name          string
	coordinator   bool
	fd            int
	log           zerolog.Logger
	mu            sync.Mutex // serializes process-local chunk table growth
	chunks        []chunkMapping
	*Superblock              // overlays chunk 0
}

type chunkMapping struct {
	data []byte
	kind ChunkKind
}

// Option configures Region construction.
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger attaches a structured logger; the default is a disabled
// (no-op) logger, matching zerolog.Nop() so hot paths never pay for
// logging they don't use.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func resolveOptions(opts []Option) options {
	o := options{log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func shmPath(name string) string {
	return "/dev/shm/" + name
}

// Create creates a brand-new region, maps chunk 0 (the superblock), and
// initializes its header. The caller becomes the coordinator.
func Create(name string, opts ...Option) (*Region, error) {
	o := resolveOptions(opts)
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("region: create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, ChunkSize); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("region: truncate %q: %w", name, err)
	}
	r := &Region{name: name, coordinator: true, fd: fd, log: o.log}
	if err := r.mapChunk(0); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, err
	}
	r.Superblock = newSuperblock(r.chunks[0].data, name)
	r.log.Info().Str("region", name).Msg("region created")
	return r, nil
}

// Attach opens an existing region by name, mapping chunk 0 and reading
// the chunk count already grown by other attachers.
func Attach(name string, opts ...Option) (*Region, error) {
	o := resolveOptions(opts)
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("region: attach %q: %w", name, err)
	}
	r := &Region{name: name, coordinator: false, fd: fd, log: o.log}
	if err := r.mapChunk(0); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	r.Superblock = attachSuperblock(r.chunks[0].data)
	n := r.Superblock.ChunkCount()
	for i := 1; i < n; i++ {
		if err := r.mapChunk(i); err != nil {
			return nil, err
		}
	}
	r.log.Info().Str("region", name).Int("chunks", n).Msg("region attached")
	return r, nil
}

func (r *Region) mapChunk(index int) error {
	off := int64(index) * ChunkSize
	data, err := unix.Mmap(r.fd, off, ChunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("region: mmap chunk %d: %w", index, err)
	}
	for len(r.chunks) <= index {
		r.chunks = append(r.chunks, chunkMapping{})
	}
	r.chunks[index] = chunkMapping{data: data, kind: KindUnused}
	return nil
}

// AllocChunk allocates and maps a fresh chunk, serialized by the
// superblock's simple lock so concurrent growers don't race on the
// backing file's size (§4.1). Returns the new chunk index.
func (r *Region) AllocChunk(tid uint32, kind ChunkKind) (int, error) {
	r.growLockHandle().Acquire(tid)
	defer r.growLockHandle().Release()

	index := r.Superblock.ChunkCount()
	if index >= MaxChunks {
		return 0, fmt.Errorf("region: out-of-region: chunk budget (%d) exhausted", MaxChunks)
	}
	if err := unix.Ftruncate(r.fd, int64(index+1)*ChunkSize); err != nil {
		return 0, fmt.Errorf("region: grow %q: %w", r.name, err)
	}
	r.mu.Lock()
	err := r.mapChunk(index)
	if err == nil {
		r.chunks[index].kind = kind
	}
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r.Superblock.SetChunkCount(index + 1)
	r.log.Debug().Int("chunk", index).Uint8("kind", uint8(kind)).Msg("chunk allocated")
	return index, nil
}

// Chunk returns the process-local byte slice backing chunk index i.
func (r *Region) Chunk(i int) []byte {
	return r.chunks[i].data
}

// Kind reports what chunk i is currently repurposed as.
func (r *Region) Kind(i int) ChunkKind {
	return r.chunks[i].kind
}

// Resolve translates a fat pointer into a process-local byte slice
// starting at the pointed-to address, per §3.1's "base[chunk_index] +
// offset" translation rule.
func (r *Region) Resolve(p Pointer) []byte {
	if !p.IsValid() {
		return nil
	}
	return r.chunks[p.Chunk()].data[p.Offset():]
}

// Name returns the region's identifier.
func (r *Region) Name() string { return r.name }

// IsCoordinator reports whether this attachment created the region.
func (r *Region) IsCoordinator() bool { return r.coordinator }

// Release unmaps all chunks; the coordinator additionally unlinks the
// backing shared-memory object (§4.1: "only the coordinator may unlink;
// every process unmaps on exit").
func (r *Region) Release() error {
	for _, c := range r.chunks {
		if c.data != nil {
			_ = unix.Munmap(c.data)
		}
	}
	err := unix.Close(r.fd)
	if r.coordinator {
		if rmErr := os.Remove(shmPath(r.name)); rmErr != nil && err == nil {
			err = rmErr
		}
		r.log.Info().Str("region", r.name).Msg("region unlinked")
	}
	return err
}
