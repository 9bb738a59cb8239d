// Package modelstore provides content-addressed blob storage for model
// binaries. Blobs are keyed by a digest of the model id, written atomically,
// and re-verifiable against their SHA-256 checksum.
package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/logx"
)

const blobSuffix = ".model"

// Store holds model blobs under a single directory.
type Store struct {
	dir     string
	maxSize int64
}

// StoreResult describes a written blob.
type StoreResult struct {
	StorageKey string `json:"storageKey"`
	Checksum   string `json:"checksum"`
	Size       int64  `json:"size"`
}

// Stats summarizes the on-disk state.
type Stats struct {
	FileCount    int   `json:"fileCount"`
	TotalBytes   int64 `json:"totalBytes"`
	MaxModelSize int64 `json:"maxModelSize"`
}

// New creates the storage directory if needed and returns a Store.
func New(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// StorageKey returns the deterministic on-disk name for a model id.
func StorageKey(modelID string) string {
	sum := sha256.Sum256([]byte(modelID))
	return hex.EncodeToString(sum[:]) + blobSuffix
}

// Checksum returns the hex SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes the blob for modelID. The write is atomic: data lands in a
// temp file that is renamed into place, so readers never observe a partial
// blob. Re-storing the same model id overwrites deterministically.
func (s *Store) Store(modelID string, data []byte) (StoreResult, error) {
	if int64(len(data)) > s.maxSize {
		return StoreResult{}, fmt.Errorf("%w: %d bytes exceeds limit %d", apierr.ErrModelTooLarge, len(data), s.maxSize)
	}
	key := StorageKey(modelID)
	tmp, err := os.CreateTemp(s.dir, "blob-*")
	if err != nil {
		return StoreResult{}, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return StoreResult{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return StoreResult{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, key)); err != nil {
		_ = os.Remove(tmpName)
		return StoreResult{}, fmt.Errorf("rename blob: %w", err)
	}
	res := StoreResult{StorageKey: key, Checksum: Checksum(data), Size: int64(len(data))}
	logx.Log.Debug().Str("model_id", modelID).Str("storage_key", key).Int64("size", res.Size).Msg("stored model blob")
	return res, nil
}

// Fetch reads the blob for storageKey.
func (s *Store) Fetch(storageKey string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, storageKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apierr.ErrModelNotFound, storageKey)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob for storageKey and reports whether it existed.
func (s *Store) Delete(storageKey string) (bool, error) {
	err := os.Remove(filepath.Join(s.dir, storageKey))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete blob: %w", err)
	}
	return true, nil
}

// Verify recomputes the checksum of the stored blob and compares it to
// expected.
func (s *Store) Verify(storageKey, expected string) (bool, error) {
	data, err := s.Fetch(storageKey)
	if err != nil {
		return false, err
	}
	return Checksum(data) == expected, nil
}

// List returns the storage keys currently on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobSuffix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// Stats reports blob count and total bytes; only *.model files are counted.
func (s *Store) Stats() (Stats, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("stat blobs: %w", err)
	}
	st := Stats{MaxModelSize: s.maxSize}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		st.FileCount++
		st.TotalBytes += info.Size()
	}
	return st, nil
}
