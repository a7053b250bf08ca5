package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ExportData is the JSON document written for one vial.
type ExportData struct {
	Experiment  string    `json:"experiment"`
	Vial        int       `json:"vial"`
	Exported    time.Time `json:"exported"`
	OD          []Record  `json:"od"`
	GrowthRate  []Record  `json:"growth_rate"`
	Doses       []Record  `json:"doses"`
	Generations []Record  `json:"generations"`
}

func (d ExportData) records() []Record {
	var all []Record
	for _, rs := range [][]Record{d.OD, d.GrowthRate, d.Doses, d.Generations} {
		all = append(all, rs...)
	}
	return all
}

// LoadExport reads every history of one vial.
func (s *Store) LoadExport(ctx context.Context, experiment string, vial int) (ExportData, error) {
	data := ExportData{Experiment: experiment, Vial: vial, Exported: time.Now()}
	targets := []struct {
		kind Kind
		dst  *[]Record
	}{
		{KindOD, &data.OD},
		{KindGrowthRate, &data.GrowthRate},
		{KindDose, &data.Doses},
		{KindGeneration, &data.Generations},
	}
	for _, t := range targets {
		rs, err := s.History(ctx, experiment, vial, t.kind)
		if err != nil {
			return data, err
		}
		*t.dst = rs
	}
	return data, nil
}

// Export writes <experiment>_vial<n>.json, .csv and .svg into dir and
// returns the paths written.
func (s *Store) Export(ctx context.Context, dir, experiment string, vial int) ([]string, error) {
	data, err := s.LoadExport(ctx, experiment, vial)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, fmt.Sprintf("%s_vial%d", experiment, vial))

	writers := []struct {
		ext   string
		write func(io.Writer, ExportData) error
	}{
		{".json", WriteJSON},
		{".csv", WriteCSV},
		{".svg", func(w io.Writer, d ExportData) error { return WriteSVG(w, d.OD, 640, 240) }},
	}
	var paths []string
	for _, wr := range writers {
		path := base + wr.ext
		if err := writeFile(path, data, wr.write); err != nil {
			return paths, fmt.Errorf("export %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, data ExportData, write func(io.Writer, ExportData) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file, data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func WriteJSON(w io.Writer, data ExportData) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// WriteCSV writes one row per record, ordered by kind then time.
func WriteCSV(w io.Writer, data ExportData) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"kind", "time", "value", "aux"}); err != nil {
		return err
	}
	for _, r := range data.records() {
		row := []string{
			string(r.Kind),
			r.Time.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(r.Value, 'g', -1, 64),
			strconv.FormatFloat(r.Aux, 'g', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSVG renders records as a polyline, time on x and value on y.
func WriteSVG(w io.Writer, records []Record, width, height float64) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%.0f" height="%.0f" viewBox="0 0 %.0f %.0f">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
`, width, height, width, height))

	if len(records) > 0 {
		t0, t1 := records[0].Time, records[len(records)-1].Time
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, r := range records {
			lo, hi = math.Min(lo, r.Value), math.Max(hi, r.Value)
		}
		span := t1.Sub(t0).Seconds()
		if span <= 0 {
			span = 1
		}
		if hi <= lo {
			hi = lo + 1
		}

		const pad = 10.0
		sb.WriteString(`<polyline fill="none" stroke="#00ff00" stroke-width="1.5" points="`)
		for i, r := range records {
			x := pad + r.Time.Sub(t0).Seconds()/span*(width-2*pad)
			y := height - pad - (r.Value-lo)/(hi-lo)*(height-2*pad)
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(fmt.Sprintf("%.1f,%.1f", x, y))
		}
		sb.WriteString("\"/>\n")
	}

	sb.WriteString("</svg>\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
