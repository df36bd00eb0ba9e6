package report

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardiocontract/pkg/cardio"
	"cardiocontract/pkg/contraction"
	"cardiocontract/pkg/units"
)

func createTestProfile(t *testing.T) *cardio.Profile {
	t.Helper()
	params := cardio.DefaultModelParams()
	params.Resolution = 40
	model, err := cardio.NewModel(params)
	require.NoError(t, err)

	signal := []float64{0.5, 0.45, 0.3, 0.2, 0.3, 0.45, 0.5}
	p, err := cardio.NewProfile(1, 6, 0.5, signal, units.Micrometers(100), model)
	require.NoError(t, err)
	return p
}

func TestWriteProfileCSV(t *testing.T) {
	p := createTestProfile(t)

	var buf bytes.Buffer
	require.NoError(t, WriteProfileCSV(&buf, p))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, ProfileHeader, records[0])
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "0.9", records[1][1])
	assert.Equal(t, "5", records[5][0])
	assert.Equal(t, "0", records[1][3], "negative elongation has no force")
}

func TestWriteSignalCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSignalCSV(&buf, []string{"entropy", "denoised"}, []float64{0.5, 0.25, 1}, []float64{0.125})
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"frame", "entropy", "denoised"},
		{"0", "0.5", "0.125"},
		{"1", "0.25", ""},
		{"2", "1", ""},
	}, records)

	assert.Error(t, WriteSignalCSV(&buf, []string{"a"}))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "signal.csv")
	err := WriteFile(path, func(w io.Writer) error {
		return WriteSignalCSV(w, []string{"s"}, []float64{1, 2})
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame,s\n0,1\n1,2\n", string(data))
}

func TestPlots(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping plot rendering in short mode")
	}
	dir := t.TempDir()
	p := createTestProfile(t)

	lengthPath := filepath.Join(dir, "length.png")
	forcePath := filepath.Join(dir, "force.png")
	require.NoError(t, PlotProfile(p, lengthPath, forcePath))
	assert.FileExists(t, lengthPath)
	assert.FileExists(t, forcePath)

	signal := []float64{0.9, 0.7, 0.4, 0.2, 0.4, 0.7, 0.9, 0.8}
	ivs := []contraction.Interval{{Start: 1, Peak: 3, End: 5}}
	signalPath := filepath.Join(dir, "signal.png")
	require.NoError(t, PlotSignal(signal, ivs, signalPath))

	info, err := os.Stat(signalPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
