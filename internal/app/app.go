package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"finpatrol/internal/change"
	"finpatrol/internal/config"
	"finpatrol/internal/fetcher"
	"finpatrol/internal/pipeline"
	"finpatrol/internal/publisher"
	"finpatrol/internal/render"
	"finpatrol/internal/schedule"
	"finpatrol/internal/scheduler"
	"finpatrol/internal/service"
	"finpatrol/internal/snapshot"
	"finpatrol/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		// Validate already resolved the zone once.
		return time.UTC
	}
	return loc
}

func (a *App) rounding() change.Rounding {
	r, err := change.ParseRounding(a.Config.Instruments.Rounding)
	if err != nil {
		return change.RoundHalfUp
	}
	return r
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	db, dialect, release, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(db, dialect, storage.Options{
		Location: a.location(),
		Rounding: a.rounding(),
		Logger:   a.Logger,
		Release:  release,
	})
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store failed")
		}
	}
	return store, closer, nil
}

func (a *App) newSources() ([]fetcher.Source, error) {
	src := a.Config.Sources
	var sources []fetcher.Source

	if src.CBR.Enabled {
		sources = append(sources, fetcher.NewCBR(fetcher.CBROptions{
			URL:        src.CBR.URL,
			Currencies: src.CBR.Currencies,
			Client: fetcher.ClientOptions{
				Timeout:           src.CBR.Timeout,
				RequestsPerSecond: src.CBR.RPS,
			},
		}, a.Logger))
	}

	if src.Yahoo.Enabled {
		tickers := make([]fetcher.Ticker, 0, len(src.Yahoo.Tickers))
		for _, raw := range src.Yahoo.Tickers {
			t, err := fetcher.ParseTicker(raw)
			if err != nil {
				return nil, fmt.Errorf("sources.yahoo.tickers: %w", err)
			}
			tickers = append(tickers, t)
		}
		sources = append(sources, fetcher.NewYahoo(fetcher.YahooOptions{
			BaseURL:  src.Yahoo.BaseURL,
			Interval: src.Yahoo.Interval,
			Range:    src.Yahoo.Range,
			Tickers:  tickers,
			Client: fetcher.ClientOptions{
				Timeout:           src.Yahoo.Timeout,
				UserAgent:         src.Yahoo.UserAgent,
				RequestsPerSecond: src.Yahoo.RPS,
			},
		}, a.Logger))
	}

	if src.LiveCoinWatch.Enabled {
		sources = append(sources, fetcher.NewLiveCoinWatch(fetcher.LiveCoinWatchOptions{
			BaseURL:      src.LiveCoinWatch.BaseURL,
			APIKey:       src.LiveCoinWatch.APIKey,
			Currency:     src.LiveCoinWatch.Currency,
			Limit:        src.LiveCoinWatch.Limit,
			AlwaysShow:   src.LiveCoinWatch.AlwaysShow,
			SpikeHourPct: a.Config.Instruments.SpikeHourPct,
			SpikeDayPct:  a.Config.Instruments.SpikeDayPct,
			Client: fetcher.ClientOptions{
				Timeout:           src.LiveCoinWatch.Timeout,
				RequestsPerSecond: src.LiveCoinWatch.RPS,
			},
		}, a.Logger))
	}

	if len(sources) == 0 {
		return nil, errors.New("no quote source enabled")
	}
	return sources, nil
}

func (a *App) processorConfig() snapshot.ProcessorConfig {
	thresholds := make(map[string]snapshot.Threshold, len(a.Config.Instruments.Thresholds))
	for key, th := range a.Config.ThresholdMap() {
		thresholds[key] = snapshot.Threshold{BucketSize: th.BucketSize, Marker: th.Marker}
	}
	return snapshot.ProcessorConfig{
		MajorCoin:    a.Config.Instruments.MajorCoin,
		Thresholds:   thresholds,
		SpikeHourPct: a.Config.Instruments.SpikeHourPct,
		SpikeDayPct:  a.Config.Instruments.SpikeDayPct,
		Rounding:     a.rounding(),
	}
}

func (a *App) newPipeline(store pipeline.Store, dryRun bool) (*pipeline.Pipeline, error) {
	sources, err := a.newSources()
	if err != nil {
		return nil, err
	}
	return pipeline.New(sources, store, a.processorConfig(), pipeline.Options{
		Location: a.location(),
		DryRun:   dryRun,
	}, a.Logger), nil
}

func (a *App) newRenderer() *render.Renderer {
	return render.New(render.Options{
		Location:  a.location(),
		ZoneLabel: a.Config.Render.ZoneLabel,
		MajorCoin: a.Config.Instruments.MajorCoin,
		Order:     a.Config.Render.Order,
		Footer:    a.Config.Render.Footer,
	})
}

func (a *App) newPublisher() *publisher.Telegram {
	cfg := a.Config.Telegram
	return publisher.NewTelegram(cfg.BotToken, cfg.APIBase, cfg.Timeout, a.Logger)
}

// jobs builds the publish-cycle jobs. Debug mode updates on the short
// schedule and freezes once, DebugFreezeAfter past start.
func (a *App) jobs(start time.Time) ([]schedule.Job, error) {
	sc := a.Config.Schedule
	if !a.Config.App.Debug {
		return schedule.Specs{
			Publish: sc.Publish,
			Update:  sc.Update,
			Freeze:  sc.Freeze,
			Cleanup: sc.Cleanup,
		}.Jobs()
	}

	jobs, err := schedule.Specs{Update: sc.DebugUpdate, Cleanup: sc.Cleanup}.Jobs()
	if err != nil {
		return nil, err
	}
	if sc.DebugFreezeAfter > 0 {
		jobs = append(jobs, schedule.Once(schedule.JobFreeze, start.Add(sc.DebugFreezeAfter)))
	}
	return jobs, nil
}

// Run executes the long-running publish service.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateForRun(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe, err := a.newPipeline(store, false)
	if err != nil {
		return err
	}

	loc := a.location()
	jobs, err := a.jobs(time.Now().In(loc))
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Tick,
		AlignToStart: a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	channel := a.Config.ActiveChannel()
	svc := service.New(sched, pipe, a.newRenderer(), a.newPublisher(), store, service.Options{
		Channel:              channel,
		Location:             loc,
		Jobs:                 jobs,
		MessageRetentionDays: a.Config.Database.MessageRetentionDays,
		SampleRetention:      a.Config.Database.SampleRetention,
		MinPayloadLength:     a.Config.Database.MinPayloadLength,
		ExitOnFreeze:         a.Config.App.Debug,
	}, a.Logger)

	a.Logger.Info().Str("channel", channel).Bool("debug", a.Config.App.Debug).Int("jobs", len(jobs)).Msg("starting publish service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("publish service stopped")
	return nil
}

// ExportOptions hold parameters for exporting one instrument's history.
type ExportOptions struct {
	Instrument string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// DigestOptions configure a one-off aggregation.
type DigestOptions struct {
	// Persist stores samples and the daily snapshot like a service cycle.
	Persist bool
	Raw     bool
}

// CleanupOptions configure the retention job.
type CleanupOptions struct {
	MessageDays     int
	SampleRetention time.Duration
	MinPayload      int
}
