package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"finpatrol/internal/storage"
)

// smaPeriod is the moving-average window drawn over exported charts.
const smaPeriod = 12

// Export writes one instrument's history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	switch {
	case opts.Instrument == "":
		return errors.New("--instrument must be provided")
	case opts.CSVPath == "" && opts.PNGPath == "":
		return errors.New("at least one of --csv or --png must be provided")
	}

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}
	maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListSamplesBetween(ctx, opts.Instrument, from, to)
	if err != nil {
		return err
	}
	log := a.Logger.With().Str("instrument", opts.Instrument).Time("from", from).Time("to", to).Logger()
	if len(samples) == 0 {
		log.Info().Msg("no samples found for export window")
		return nil
	}

	points := downsampleSamples(samples, maxPoints)
	log.Info().Int("total", len(samples)).Int("exported", len(points)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeSamplesCSV(w, points) }); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderChart(w, opts.Instrument, points) }); err != nil {
			return fmt.Errorf("write png: %w", err)
		}
	}
	return nil
}

// exportWindow defaults to the whole retained history ending now.
func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Database.SampleRetention)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

// downsampleSamples keeps max evenly spaced samples including both ends.
func downsampleSamples(samples []storage.Sample, max int) []storage.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	out := make([]storage.Sample, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := range out {
		idx := min(int(math.Round(step*float64(i))), len(samples)-1)
		out[i] = samples[idx]
	}
	return out
}

func writeSamplesCSV(w io.Writer, samples []storage.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ts", "category", "instrument", "value"}); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.Timestamp.UTC().Format(time.RFC3339),
			string(s.Category),
			s.Instrument,
			strconv.FormatFloat(s.Value, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderChart(w io.Writer, instrument string, samples []storage.Sample) error {
	series := chart.TimeSeries{
		Name:    instrument,
		XValues: make([]time.Time, len(samples)),
		YValues: make([]float64, len(samples)),
	}
	for i, s := range samples {
		series.XValues[i] = s.Timestamp
		series.YValues[i] = s.Value
	}

	format := "%.2f"
	if math.Abs(series.YValues[len(series.YValues)-1]) < 1 {
		format = "%.6f"
	}

	graph := chart.Chart{
		Title:  instrument,
		Width:  1280,
		Height: 720,
		XAxis:  chart.XAxis{ValueFormatter: chart.TimeValueFormatter},
		YAxis: chart.YAxis{
			Name: instrument,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, format)
			},
		},
		Series: []chart.Series{series},
	}
	if len(samples) > smaPeriod {
		graph.Series = append(graph.Series, &chart.SMASeries{
			Name:        fmt.Sprintf("SMA %d", smaPeriod),
			Period:      smaPeriod,
			InnerSeries: series,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

// writeFile creates path and its directory, then hands the file to fn.
func writeFile(path string, fn func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
