package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"finpatrol/internal/fetcher"
	"finpatrol/internal/snapshot"
	"finpatrol/internal/storage"
)

// ErrPersist wraps a failure to store the daily snapshot. The snapshot
// returned alongside it is still complete.
var ErrPersist = errors.New("pipeline: persist snapshot")

// Store is the persistence surface the pipeline needs.
type Store interface {
	snapshot.History
	SaveDailySnapshot(ctx context.Context, day string, payload snapshot.Payload) error
	DailySnapshotOn(ctx context.Context, day string) (snapshot.Payload, error)
	LatestMessageOnDate(ctx context.Context, day string) (storage.PublishedMessage, error)
}

// Options tunes a Pipeline.
type Options struct {
	Location *time.Location
	Now      func() time.Time
	// DryRun skips every write: no samples, no daily snapshot.
	DryRun bool
}

// Pipeline fans out to every source, merges the results with yesterday's
// baseline and persists the new daily snapshot.
type Pipeline struct {
	sources   []fetcher.Source
	store     Store
	processor *snapshot.Processor
	loc       *time.Location
	now       func() time.Time
	dryRun    bool
	logger    zerolog.Logger
}

// New constructs a Pipeline.
func New(sources []fetcher.Source, store Store, procCfg snapshot.ProcessorConfig, opts Options, logger zerolog.Logger) *Pipeline {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var history snapshot.History = store
	if opts.DryRun {
		history = readOnlyHistory{store}
	}
	return &Pipeline{
		sources:   sources,
		store:     store,
		processor: snapshot.NewProcessor(procCfg, history, logger),
		loc:       loc,
		now:       now,
		dryRun:    opts.DryRun,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one aggregation cycle.
func (p *Pipeline) Run(ctx context.Context) (snapshot.Snapshot, error) {
	now := p.now().In(p.loc)
	y, m, d := now.Date()
	snap := snapshot.Snapshot{
		Day:     time.Date(y, m, d, 0, 0, 0, 0, p.loc),
		TakenAt: now,
		Payload: make(snapshot.Payload, len(snapshot.Categories)),
	}

	fresh := p.fetchAll(ctx)
	previous := p.loadPrevious(ctx, snap.Day.AddDate(0, 0, -1).Format(storage.DateLayout))

	for _, category := range snapshot.Categories {
		quotes := p.validate(category, fresh[category])
		if len(quotes) == 0 {
			snap.Payload[category] = p.backfill(category, previous.Get(category))
			continue
		}
		snap.Payload[category] = p.processor.Process(ctx, category, quotes, previous.Get(category))
	}

	p.logger.Info().
		Int("cbr", len(snap.Payload[snapshot.CategoryCBR])).
		Int("finance", len(snap.Payload[snapshot.CategoryFinance])).
		Int("crypto", len(snap.Payload[snapshot.CategoryCrypto])).
		Bool("dry_run", p.dryRun).
		Msg("aggregation complete")

	if p.dryRun {
		return snap, nil
	}
	if err := p.store.SaveDailySnapshot(ctx, snap.Day.Format(storage.DateLayout), snap.Payload); err != nil {
		p.logger.Error().Err(err).Msg("save daily snapshot failed")
		return snap, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return snap, nil
}

// fetchAll queries every source concurrently. A failing source contributes an
// empty map and never cancels its siblings.
func (p *Pipeline) fetchAll(ctx context.Context) map[snapshot.Category]fetcher.Quotes {
	results := make([]fetcher.Quotes, len(p.sources))

	var g errgroup.Group
	for i, src := range p.sources {
		i, src := i, src
		g.Go(func() error {
			started := time.Now()
			quotes, err := src.Fetch(ctx)
			if err != nil {
				p.logger.Error().Err(err).
					Str("source", src.Name()).
					Str("category", string(src.Category())).
					Msg("source fetch failed")
				results[i] = fetcher.Quotes{}
				return nil
			}
			p.logger.Debug().
				Str("source", src.Name()).
				Int("instruments", len(quotes)).
				Dur("took", time.Since(started)).
				Msg("source fetched")
			results[i] = quotes
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[snapshot.Category]fetcher.Quotes, len(snapshot.Categories))
	for i, src := range p.sources {
		merged, ok := out[src.Category()]
		if !ok {
			merged = make(fetcher.Quotes, len(results[i]))
			out[src.Category()] = merged
		}
		for k, v := range results[i] {
			merged[k] = v
		}
	}
	return out
}

// validate drops null and zero values, logging each as suspicious data.
func (p *Pipeline) validate(category snapshot.Category, quotes fetcher.Quotes) map[string]*float64 {
	out := make(map[string]*float64, len(quotes))
	for instrument, v := range quotes {
		switch {
		case v == nil:
			p.logger.Warn().Str("category", string(category)).Str("instrument", instrument).Msg("null value dropped")
		case *v == 0:
			p.logger.Warn().Str("category", string(category)).Str("instrument", instrument).Msg("zero value dropped")
		default:
			out[instrument] = v
		}
	}
	return out
}

// loadPrevious returns yesterday's payload from the daily snapshot, falling
// back to the published message. Unreadable state is treated as empty.
func (p *Pipeline) loadPrevious(ctx context.Context, day string) snapshot.Payload {
	payload, err := p.store.DailySnapshotOn(ctx, day)
	if err == nil {
		return payload
	}
	if !errors.Is(err, storage.ErrNotFound) {
		p.logger.Error().Err(err).Str("day", day).Msg("load daily snapshot failed")
	}

	msg, err := p.store.LatestMessageOnDate(ctx, day)
	switch {
	case err == nil:
		return msg.Payload
	case errors.Is(err, storage.ErrNotFound):
		p.logger.Debug().Str("day", day).Msg("no previous state")
	default:
		p.logger.Error().Err(err).Str("day", day).Msg("load previous message failed")
	}
	return snapshot.Payload{}
}

// backfill carries yesterday's values for display only. Changes are cleared
// and nothing is appended to history.
func (p *Pipeline) backfill(category snapshot.Category, previous snapshot.Records) snapshot.Records {
	out := make(snapshot.Records, len(previous))
	for instrument, rec := range previous {
		out[instrument] = snapshot.Record{Value: rec.Value, Stale: true}
	}
	if len(out) > 0 {
		p.logger.Warn().Str("category", string(category)).Int("instruments", len(out)).Msg("category backfilled from previous day")
	}
	return out
}

type readOnlyHistory struct {
	snapshot.History
}

func (readOnlyHistory) Append(context.Context, string, *float64, snapshot.Category) error {
	return nil
}
