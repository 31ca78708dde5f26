package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"finpatrol/internal/render"
	"finpatrol/internal/storage"
)

// Show prints recent samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountSamples(ctx)
	if err != nil {
		return err
	}
	return writeSamplesTable(os.Stdout, samples, total, a.location())
}

func writeSamplesTable(w io.Writer, samples []storage.Sample, total int64, loc *time.Location) error {
	if len(samples) == 0 {
		_, err := fmt.Fprintln(w, "no samples found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (%s)\tCategory\tInstrument\tValue\n", loc)
	for _, sample := range samples {
		places := int32(2)
		if sample.Value != 0 && sample.Value < 1 && sample.Value > -1 {
			places = 4
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			sample.Timestamp.In(loc).Format(time.DateTime),
			sample.Category,
			sample.Instrument,
			render.FormatNumber(sample.Value, places),
		)
	}
	fmt.Fprintf(writer, "\t\ttotal\t%d\n", total)
	return writer.Flush()
}
