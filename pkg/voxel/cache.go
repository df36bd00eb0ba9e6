package voxel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"cardiocontract/internal/models"
)

var entropyMagic = [4]byte{'V', 'X', 'E', 'N'}

// SaveEntropyCache writes voxel entropies as a little endian count followed
// by the values.
func SaveEntropyCache(w io.Writer, entropy []float64) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, entropyMagic); err != nil {
		return fmt.Errorf("failed to write voxel cache header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(entropy))); err != nil {
		return fmt.Errorf("failed to write voxel cache header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, entropy); err != nil {
		return fmt.Errorf("failed to write voxel entropies: %w", err)
	}
	return bw.Flush()
}

// LoadEntropyCache reads entropies written by SaveEntropyCache. Any mismatch
// with expectedCount is ErrCacheMiss.
func LoadEntropyCache(r io.Reader, expectedCount int) ([]float64, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil || magic != entropyMagic {
		return nil, fmt.Errorf("%w: not a voxel entropy cache", models.ErrCacheMiss)
	}
	var n uint64
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", models.ErrCacheMiss, err)
	}
	if int(n) != expectedCount {
		return nil, fmt.Errorf("%w: cache holds %d voxels, expected %d", models.ErrCacheMiss, n, expectedCount)
	}
	out := make([]float64, n)
	if err := binary.Read(br, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("%w: truncated entropies: %v", models.ErrCacheMiss, err)
	}
	return out, nil
}

// SaveEntropyCacheFile writes the cache to path, creating parent directories.
func SaveEntropyCacheFile(path string, entropy []float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create voxel cache: %w", err)
	}
	if err := SaveEntropyCache(f, entropy); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadEntropyCacheFile reads the cache at path; a missing file is a miss.
func LoadEntropyCacheFile(path string, expectedCount int) ([]float64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s does not exist", models.ErrCacheMiss, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open voxel cache: %w", err)
	}
	defer f.Close()
	return LoadEntropyCache(f, expectedCount)
}
