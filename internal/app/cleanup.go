package app

import (
	"context"
	"errors"
	"time"
)

// Cleanup applies the retention rules once: old messages and snapshots,
// old samples, then malformed message rows.
func (a *App) Cleanup(ctx context.Context, opts CleanupOptions) error {
	if opts.MessageDays <= 0 {
		opts.MessageDays = a.Config.Database.MessageRetentionDays
	}
	if opts.SampleRetention <= 0 {
		opts.SampleRetention = a.Config.Database.SampleRetention
	}
	if opts.MinPayload <= 0 {
		opts.MinPayload = a.Config.Database.MinPayloadLength
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var errs []error

	if opts.MessageDays > 0 {
		n, err := store.RetentionSweep(ctx, opts.MessageDays)
		if err != nil {
			errs = append(errs, err)
		} else {
			a.Logger.Info().Int64("deleted", n).Int("days", opts.MessageDays).Msg("messages swept")
		}
	}

	n, err := store.SweepSamples(ctx, time.Now().Add(-opts.SampleRetention))
	if err != nil {
		errs = append(errs, err)
	} else {
		a.Logger.Info().Int64("deleted", n).Dur("retention", opts.SampleRetention).Msg("samples swept")
	}

	if opts.MinPayload > 0 {
		n, err := store.PurgeMalformed(ctx, opts.MinPayload)
		if err != nil {
			errs = append(errs, err)
		} else {
			a.Logger.Info().Int64("deleted", n).Msg("malformed messages purged")
		}
	}

	return errors.Join(errs...)
}
