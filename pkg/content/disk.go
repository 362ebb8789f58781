package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"pkgman/pkg/types"
)

const (
	DefaultChunkSize = 1024 * 1024 // 1MB chunks
	SmallChunkSize   = 64 * 1024   // 64KB for small blobs
	LargeChunkSize   = 4 * 1024 * 1024

	SmallBlobThreshold = 1024 * 1024
	LargeBlobThreshold = 100 * 1024 * 1024
)

// chunkRef is one entry of a blob manifest.
type chunkRef struct {
	Hash       string `toml:"hash"` // sha256 of the uncompressed chunk
	Size       int64  `toml:"size"`
	Compressed bool   `toml:"compressed"`
}

type manifest struct {
	ID     types.ContentID `toml:"id"`
	Size   int64           `toml:"size"`
	Chunks []chunkRef      `toml:"chunk"`
}

// Compile-time interface check.
var _ Store = (*DiskStore)(nil)

// DiskStore keeps blobs on disk as deduplicated, optionally zstd
// compressed chunks plus one manifest per blob:
//
//	<dir>/chunks/<sha256>
//	<dir>/objects/<content id>.toml
type DiskStore struct {
	dir      string
	maxSize  int64
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logger   *zap.Logger
}

// DiskOption configures a DiskStore.
type DiskOption func(*DiskStore)

// WithMaxSize rejects blobs larger than n bytes. Zero means unlimited.
func WithMaxSize(n int64) DiskOption {
	return func(s *DiskStore) { s.maxSize = n }
}

// WithCompression toggles zstd compression of chunks.
func WithCompression(enabled bool) DiskOption {
	return func(s *DiskStore) { s.compress = enabled }
}

// NewDiskStore opens or creates a store rooted at dir.
func NewDiskStore(dir string, logger *zap.Logger, opts ...DiskOption) (*DiskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{"chunks", "objects"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &DiskStore{
		dir:      dir,
		compress: true,
		encoder:  encoder,
		decoder:  decoder,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the compression resources.
func (s *DiskStore) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// OptimalChunkSize picks a chunk size for a blob of the given size.
func OptimalChunkSize(size int64) int {
	if size < SmallBlobThreshold {
		return SmallChunkSize
	} else if size > LargeBlobThreshold {
		return LargeChunkSize
	}
	return DefaultChunkSize
}

func (s *DiskStore) Put(ctx context.Context, data []byte) (types.ContentID, error) {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxSize)
	}

	id := ComputeID(data)
	if _, err := os.Stat(s.manifestPath(id)); err == nil {
		return id, nil
	}

	m := manifest{ID: id, Size: int64(len(data))}
	chunkSize := OptimalChunkSize(int64(len(data)))
	reader := bytes.NewReader(data)
	buffer := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := reader.Read(buffer)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read data: %w", err)
		}

		ref, err := s.writeChunk(buffer[:n])
		if err != nil {
			return "", err
		}
		m.Chunks = append(m.Chunks, ref)
	}

	encoded, err := toml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(s.manifestPath(id), encoded); err != nil {
		return "", err
	}

	s.logger.Debug("Stored blob",
		zap.String("content_id", string(id)),
		zap.Int("size", len(data)),
		zap.Int("chunks", len(m.Chunks)))
	return id, nil
}

func (s *DiskStore) writeChunk(chunk []byte) (chunkRef, error) {
	sum := sha256.Sum256(chunk)
	ref := chunkRef{Hash: hex.EncodeToString(sum[:]), Size: int64(len(chunk))}

	stored := chunk
	if s.compress {
		compressed := s.encoder.EncodeAll(chunk, nil)
		// Only keep the compressed form when it is actually smaller.
		if len(compressed) < len(chunk) {
			stored = compressed
			ref.Compressed = true
		}
	}

	path := s.chunkPath(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := writeFileAtomic(path, stored); err != nil {
		return chunkRef{}, err
	}
	return ref, nil
}

func (s *DiskStore) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	if _, err := ParseID(id); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.manifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", id, err)
	}

	var result bytes.Buffer
	result.Grow(int(m.Size))
	for i, ref := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := s.readChunk(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d of %s: %w", i, id, err)
		}
		result.Write(chunk)
	}

	data := result.Bytes()
	if err := checkID(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *DiskStore) readChunk(ref chunkRef) ([]byte, error) {
	stored, err := os.ReadFile(s.chunkPath(ref))
	if err != nil {
		return nil, err
	}
	chunk := stored
	if ref.Compressed {
		chunk, err = s.decoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
	}
	if !verifyChunk(ref, chunk) {
		return nil, fmt.Errorf("chunk %s is corrupt", ref.Hash)
	}
	return chunk, nil
}

// verifyChunk validates chunk integrity using its hash.
func verifyChunk(ref chunkRef, chunk []byte) bool {
	sum := sha256.Sum256(chunk)
	return ref.Hash == hex.EncodeToString(sum[:])
}

func (s *DiskStore) manifestPath(id types.ContentID) string {
	return filepath.Join(s.dir, "objects", string(id)+".toml")
}

func (s *DiskStore) chunkPath(ref chunkRef) string {
	name := ref.Hash
	if ref.Compressed {
		name += ".zst"
	}
	return filepath.Join(s.dir, "chunks", name)
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}
