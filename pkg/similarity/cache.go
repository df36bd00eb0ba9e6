package similarity

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/models"
)

// Binary cache layout, little endian:
//
//	magic   [4]byte "SSMX"
//	version uint32
//	n       uint64
//	entropy [n]float64
//	matrix  [n*n]float64, row major
var cacheMagic = [4]byte{'S', 'S', 'M', 'X'}

const cacheVersion uint32 = 1

// Fingerprint returns a hex SHA-256 digest of the frame dimensions and
// pixels, used to key cached results.
func Fingerprint(frames models.Sequence) string {
	h := sha256.New()
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(len(frames)))
	h.Write(hdr[:8])
	for _, f := range frames {
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(f.Width))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.Height))
		h.Write(hdr[:8])
		for y := 0; y < f.Height; y++ {
			h.Write(f.Row(y))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SaveCache writes a result in the binary cache layout.
func SaveCache(w io.Writer, r *Result) error {
	n := r.Size()
	if r.Matrix == nil || r.Matrix.SymmetricDim() != n {
		return fmt.Errorf("%w: matrix does not match entropy length %d", models.ErrInvalidInput, n)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, cacheMagic); err != nil {
		return fmt.Errorf("failed to write cache header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, cacheVersion); err != nil {
		return fmt.Errorf("failed to write cache header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(n)); err != nil {
		return fmt.Errorf("failed to write cache header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, r.Entropy); err != nil {
		return fmt.Errorf("failed to write entropy signal: %w", err)
	}

	row := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			row[j] = r.Matrix.At(i, j)
		}
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return fmt.Errorf("failed to write matrix row %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// LoadCache reads a result written by SaveCache. A header that does not
// match, or a frame count other than expectedN, is reported as ErrCacheMiss.
func LoadCache(rd io.Reader, expectedN int) (*Result, error) {
	br := bufio.NewReader(rd)

	var magic [4]byte
	var version uint32
	var n uint64
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", models.ErrCacheMiss, err)
	}
	if magic != cacheMagic {
		return nil, fmt.Errorf("%w: not a similarity cache", models.ErrCacheMiss)
	}
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", models.ErrCacheMiss, err)
	}
	if version != cacheVersion {
		return nil, fmt.Errorf("%w: cache version %d, expected %d", models.ErrCacheMiss, version, cacheVersion)
	}
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", models.ErrCacheMiss, err)
	}
	if int(n) != expectedN {
		return nil, fmt.Errorf("%w: cache holds %d frames, expected %d", models.ErrCacheMiss, n, expectedN)
	}

	entropy := make([]float64, n)
	if err := binary.Read(br, binary.LittleEndian, entropy); err != nil {
		return nil, fmt.Errorf("%w: truncated entropy signal: %v", models.ErrCacheMiss, err)
	}
	data := make([]float64, n*n)
	if err := binary.Read(br, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: truncated matrix: %v", models.ErrCacheMiss, err)
	}

	return &Result{Matrix: mat.NewSymDense(int(n), data), Entropy: entropy}, nil
}

// SaveCacheFile writes the cache to path, creating parent directories.
func SaveCacheFile(path string, r *Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := SaveCache(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadCacheFile reads the cache at path. A missing file is a cache miss.
func LoadCacheFile(path string, expectedN int) (*Result, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s does not exist", models.ErrCacheMiss, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()
	return LoadCache(f, expectedN)
}
