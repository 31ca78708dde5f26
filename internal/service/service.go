package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finpatrol/internal/pipeline"
	"finpatrol/internal/publisher"
	"finpatrol/internal/schedule"
	"finpatrol/internal/scheduler"
	"finpatrol/internal/snapshot"
	"finpatrol/internal/storage"
)

// State of the daily message.
type State int

const (
	NoMessageYet State = iota
	Published
	Editing
	Frozen
)

func (s State) String() string {
	switch s {
	case NoMessageYet:
		return "no_message_yet"
	case Published:
		return "published"
	case Editing:
		return "editing"
	case Frozen:
		return "frozen"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Aggregator produces a fresh snapshot.
type Aggregator interface {
	Run(ctx context.Context) (snapshot.Snapshot, error)
}

// Renderer turns a payload into message text.
type Renderer interface {
	RenderPayload(at time.Time, p snapshot.Payload) string
}

// Store is the persistence surface of the publish cycle.
type Store interface {
	SaveMessage(ctx context.Context, day string, externalID int64, payload snapshot.Payload) error
	LatestMessageOnDate(ctx context.Context, day string) (storage.PublishedMessage, error)
	SaveDailySnapshot(ctx context.Context, day string, payload snapshot.Payload) error
	RetentionSweep(ctx context.Context, thresholdDays int) (int64, error)
	PurgeMalformed(ctx context.Context, minPayloadLength int) (int64, error)
	SweepSamples(ctx context.Context, olderThan time.Time) (int64, error)
}

// Options tune the publish cycle.
type Options struct {
	Channel              string
	Location             *time.Location
	Jobs                 []schedule.Job
	MessageRetentionDays int
	SampleRetention      time.Duration
	MinPayloadLength     int
	// ExitOnFreeze stops Run once the day's message is frozen.
	ExitOnFreeze bool
}

// Service owns the daily message lifecycle:
// NoMessageYet -> Published -> Editing -> Frozen, reset at midnight.
type Service struct {
	scheduler *scheduler.Scheduler
	pipeline  Aggregator
	renderer  Renderer
	publisher publisher.Publisher
	store     Store
	opts      Options
	logger    zerolog.Logger

	mu        sync.Mutex
	started   bool
	state     State
	day       string
	messageID int64
	lastRun   map[string]time.Time
}

// New constructs the publish-cycle service.
func New(sched *scheduler.Scheduler, agg Aggregator, renderer Renderer, pub publisher.Publisher, store Store, opts Options, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		scheduler: sched,
		pipeline:  agg,
		renderer:  renderer,
		publisher: pub,
		store:     store,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		lastRun:   make(map[string]time.Time, len(opts.Jobs)),
	}
}

// Run drives Tick from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := s.scheduler.Run(ctx, func(ctx context.Context, now time.Time) error {
		err := s.Tick(ctx, now)
		if s.opts.ExitOnFreeze && s.State() == Frozen {
			s.logger.Info().Msg("message frozen, stopping")
			cancel()
		}
		return err
	})
	if errors.Is(err, context.Canceled) && s.opts.ExitOnFreeze && s.State() == Frozen {
		return nil
	}
	return err
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MessageID returns the id of the message being edited, or 0.
func (s *Service) MessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// Tick evaluates due jobs at now and advances the state machine. The first
// call performs startup: purge malformed rows, then resume or publish.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.In(s.opts.Location)
	day := now.Format(storage.DateLayout)

	if !s.started {
		return s.start(ctx, now, day)
	}
	if day != s.day {
		s.rollover(ctx, day)
	}

	var errs []error
	cycled := false
	for _, job := range schedule.Due(now, s.lastRun, s.opts.Jobs) {
		s.lastRun[job.Name] = now
		s.logger.Debug().Str("job", job.Name).Str("state", s.state.String()).Msg("job due")

		switch job.Name {
		case schedule.JobPublish:
			if s.state != NoMessageYet {
				continue
			}
			errs = append(errs, s.publish(ctx, now))
			cycled = true
		case schedule.JobUpdate:
			if cycled {
				continue
			}
			errs = append(errs, s.update(ctx, now))
			cycled = true
		case schedule.JobFreeze:
			errs = append(errs, s.freeze(ctx, now))
			cycled = true
		case schedule.JobCleanup:
			errs = append(errs, s.cleanup(ctx, now))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) start(ctx context.Context, now time.Time, day string) error {
	s.started = true
	for _, job := range s.opts.Jobs {
		s.lastRun[job.Name] = now
	}

	if s.opts.MinPayloadLength > 0 {
		purged, err := s.store.PurgeMalformed(ctx, s.opts.MinPayloadLength)
		if err != nil {
			s.logger.Error().Err(err).Msg("purge malformed messages failed")
		} else if purged > 0 {
			s.logger.Warn().Int64("purged", purged).Msg("malformed messages removed")
		}
	}

	s.rollover(ctx, day)
	if s.state == NoMessageYet {
		return s.publish(ctx, now)
	}
	return nil
}

// rollover resets the state for a new day, resuming a message already
// published for it.
func (s *Service) rollover(ctx context.Context, day string) {
	s.day = day
	s.state = NoMessageYet
	s.messageID = 0

	msg, err := s.store.LatestMessageOnDate(ctx, day)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Info().Str("day", day).Msg("new day, no message yet")
		return
	case err != nil && msg.ExternalID == 0:
		s.logger.Error().Err(err).Str("day", day).Msg("load today's message failed")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("day", day).Msg("today's message payload unreadable")
	}
	s.messageID = msg.ExternalID
	s.state = Editing
	s.logger.Info().Str("day", day).Int64("message_id", msg.ExternalID).Msg("resuming today's message")
}

func (s *Service) publish(ctx context.Context, now time.Time) error {
	snap, text := s.collect(ctx, now)
	return s.post(ctx, snap, text)
}

// post sends a new message for an already collected snapshot.
func (s *Service) post(ctx context.Context, snap snapshot.Snapshot, text string) error {
	id, err := s.publisher.Publish(ctx, s.opts.Channel, text)
	if err != nil {
		s.logger.Error().Err(err).Str("channel", s.opts.Channel).Msg("publish failed")
		return fmt.Errorf("publish: %w", err)
	}
	s.messageID = id
	s.state = Published
	s.logger.Info().Str("day", s.day).Int64("message_id", id).Msg("message published")

	return s.saveMessage(ctx, snap.Payload)
}

func (s *Service) update(ctx context.Context, now time.Time) error {
	switch s.state {
	case NoMessageYet:
		return s.publish(ctx, now)
	case Frozen:
		return nil
	}

	snap, text := s.collect(ctx, now)
	if err := s.edit(ctx, text); err != nil {
		return err
	}
	s.state = Editing
	return s.saveMessage(ctx, snap.Payload)
}

// freeze makes the final edit of the day and stores the result as the
// baseline for tomorrow.
func (s *Service) freeze(ctx context.Context, now time.Time) error {
	if s.state == Frozen {
		return nil
	}

	snap, text := s.collect(ctx, now)
	if s.state == NoMessageYet {
		if err := s.post(ctx, snap, text); err != nil {
			return err
		}
	} else {
		if err := s.edit(ctx, text); err != nil {
			return err
		}
		if err := s.saveMessage(ctx, snap.Payload); err != nil {
			return err
		}
	}
	if err := s.store.SaveDailySnapshot(ctx, s.day, snap.Payload); err != nil {
		s.logger.Error().Err(err).Str("day", s.day).Msg("save final snapshot failed")
		return fmt.Errorf("save final snapshot: %w", err)
	}
	s.state = Frozen
	s.logger.Info().Str("day", s.day).Int64("message_id", s.messageID).Msg("message frozen")
	return nil
}

func (s *Service) cleanup(ctx context.Context, now time.Time) error {
	var errs []error
	if s.opts.MessageRetentionDays > 0 {
		n, err := s.store.RetentionSweep(ctx, s.opts.MessageRetentionDays)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info().Int64("deleted", n).Int("days", s.opts.MessageRetentionDays).Msg("messages swept")
		}
	}
	if s.opts.SampleRetention > 0 {
		n, err := s.store.SweepSamples(ctx, now.Add(-s.opts.SampleRetention))
		if err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info().Int64("deleted", n).Dur("retention", s.opts.SampleRetention).Msg("samples swept")
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Msg("cleanup failed")
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

func (s *Service) collect(ctx context.Context, now time.Time) (snapshot.Snapshot, string) {
	snap, err := s.pipeline.Run(ctx)
	if err != nil {
		// A persist failure still yields a complete snapshot.
		s.logger.Error().Err(err).Bool("persist", errors.Is(err, pipeline.ErrPersist)).Msg("aggregation reported an error")
	}
	return snap, s.renderer.RenderPayload(now, snap.Payload)
}

func (s *Service) edit(ctx context.Context, text string) error {
	err := s.publisher.Edit(ctx, s.opts.Channel, s.messageID, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, publisher.ErrNotModified):
		s.logger.Debug().Int64("message_id", s.messageID).Msg("message unchanged")
		return nil
	default:
		s.logger.Error().Err(err).Int64("message_id", s.messageID).Msg("edit failed")
		return fmt.Errorf("edit: %w", err)
	}
}

func (s *Service) saveMessage(ctx context.Context, payload snapshot.Payload) error {
	if err := s.store.SaveMessage(ctx, s.day, s.messageID, payload); err != nil {
		s.logger.Error().Err(err).Str("day", s.day).Msg("save message failed")
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}
