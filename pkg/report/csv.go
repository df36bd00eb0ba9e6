// Package report writes contraction profiles and signals as CSV tables and
// PNG plots.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"cardiocontract/pkg/cardio"
)

// ProfileHeader is the header row written by WriteProfileCSV.
var ProfileHeader = []string{"frame", "length", "elongation", "force_dyn"}

// WriteProfileCSV writes one row per frame of p.
func WriteProfileCSV(w io.Writer, p *cardio.Profile) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ProfileHeader); err != nil {
		return fmt.Errorf("failed to write profile header: %w", err)
	}

	length := p.InterpolatedLength()
	elong := p.Elongation()
	force := p.Force()
	for k := range length {
		rec := []string{
			strconv.Itoa(p.Start() + k),
			formatFloat(length[k]),
			formatFloat(elong[k]),
			formatFloat(force[k]),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write profile row %d: %w", k, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSignalCSV writes named, equally long signals as columns next to a
// frame index. Signals shorter than the first are padded with empty cells.
func WriteSignalCSV(w io.Writer, names []string, signals ...[]float64) error {
	if len(names) != len(signals) {
		return fmt.Errorf("%d names for %d signals", len(names), len(signals))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"frame"}, names...)); err != nil {
		return fmt.Errorf("failed to write signal header: %w", err)
	}

	rows := 0
	for _, s := range signals {
		if len(s) > rows {
			rows = len(s)
		}
	}
	rec := make([]string, len(signals)+1)
	for i := 0; i < rows; i++ {
		rec[0] = strconv.Itoa(i)
		for j, s := range signals {
			rec[j+1] = ""
			if i < len(s) {
				rec[j+1] = formatFloat(s[i])
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write signal row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile creates path and its parent directories and hands the file to
// write.
func WriteFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
