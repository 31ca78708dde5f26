package snapshot

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"finpatrol/internal/change"
)

// Lookback windows used for interval changes.
const (
	LookbackHour = time.Hour
	LookbackDay  = 24 * time.Hour
	LookbackWeek = 7 * 24 * time.Hour
)

// History is the slice of the history store the processor depends on.
type History interface {
	ChangeOver(ctx context.Context, instrument string, current float64, category Category, lookback time.Duration) (*float64, error)
	Append(ctx context.Context, instrument string, value *float64, category Category) error
}

// Threshold configures round-number crossing detection for one instrument.
type Threshold struct {
	BucketSize float64
	Marker     string
}

// ProcessorConfig holds per-instrument processing rules.
type ProcessorConfig struct {
	// MajorCoin is rounded to 2 places; other crypto instruments to 4.
	MajorCoin  string
	Thresholds map[string]Threshold
	// Spike thresholds in percent; zero disables the window.
	SpikeHourPct float64
	SpikeDayPct  float64
	Rounding     change.Rounding
}

// Processor merges freshly fetched values with the previous snapshot.
type Processor struct {
	cfg     ProcessorConfig
	history History
	logger  zerolog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig, history History, logger zerolog.Logger) *Processor {
	if cfg.Rounding == "" {
		cfg.Rounding = change.RoundHalfUp
	}
	return &Processor{
		cfg:     cfg,
		history: history,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

// Process builds records for every non-nil value in quotes. Instruments that
// are absent or nil are dropped; previous values are never carried over.
func (p *Processor) Process(ctx context.Context, category Category, quotes map[string]*float64, previous Records) Records {
	out := make(Records, len(quotes))
	for _, instrument := range sortedKeys(quotes) {
		raw := quotes[instrument]
		if raw == nil {
			continue
		}

		var old *float64
		if prev, ok := previous[instrument]; ok {
			old = Float(prev.Value)
		}

		rec := Record{
			Change: change.FormatPercent(p.cfg.Rounding.Percentage(old, raw)),
		}
		rec.Value = p.roundValue(instrument, category, *raw)
		rec.ThresholdFlag = p.thresholdFlag(instrument, old, *raw)
		rec.IntervalChanges = p.intervals(ctx, instrument, category, rec.Value)
		if category.IsCrypto() {
			rec.Spike = p.spike(rec.IntervalChanges)
		}

		if err := p.history.Append(ctx, instrument, Float(rec.Value), category); err != nil {
			p.logger.Error().Err(err).
				Str("instrument", instrument).
				Str("category", string(category)).
				Msg("append sample failed")
		}

		p.logger.Debug().
			Str("instrument", instrument).
			Float64("value", rec.Value).
			Str("threshold_flag", rec.ThresholdFlag).
			Msg("processed")
		out[instrument] = rec
	}
	return out
}

func (p *Processor) roundValue(instrument string, category Category, v float64) float64 {
	if !category.IsCrypto() {
		return v
	}
	if instrument == p.cfg.MajorCoin {
		return change.RoundValue(v, 2)
	}
	return change.RoundValue(v, 4)
}

// thresholdFlag fires on a round-number boundary or when the value moved into
// another bucket since the previous day. value is the unrounded quote.
func (p *Processor) thresholdFlag(instrument string, old *float64, value float64) string {
	th, ok := p.cfg.Thresholds[instrument]
	if !ok || th.BucketSize == 0 {
		return ""
	}
	if flag := change.ThresholdCrossing(&value, th.BucketSize, th.Marker); flag != "" {
		return flag
	}
	if change.CrossedBucket(old, &value, th.BucketSize) {
		return th.Marker
	}
	return ""
}

func (p *Processor) intervals(ctx context.Context, instrument string, category Category, value float64) IntervalChanges {
	lookup := func(lookback time.Duration) *float64 {
		pct, err := p.history.ChangeOver(ctx, instrument, value, category, lookback)
		if err != nil {
			p.logger.Error().Err(err).
				Str("instrument", instrument).
				Dur("lookback", lookback).
				Msg("interval change failed")
			return nil
		}
		return pct
	}
	return IntervalChanges{
		Hour: lookup(LookbackHour),
		Day:  lookup(LookbackDay),
		Week: lookup(LookbackWeek),
	}
}

func (p *Processor) spike(ic IntervalChanges) string {
	if p.cfg.SpikeHourPct > 0 && ic.Hour != nil && math.Abs(*ic.Hour) >= p.cfg.SpikeHourPct {
		return SpikeHour
	}
	if p.cfg.SpikeDayPct > 0 && ic.Day != nil && math.Abs(*ic.Day) >= p.cfg.SpikeDayPct {
		return SpikeDay
	}
	return SpikeNone
}

func sortedKeys(m map[string]*float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
