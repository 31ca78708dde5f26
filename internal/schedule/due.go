// Package schedule decides which periodic jobs are due at a given instant.
// It holds no timers; the caller owns the clock and the last-run bookkeeping.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names.
const (
	JobPublish = "publish"
	JobUpdate  = "update"
	JobFreeze  = "freeze"
	JobCleanup = "cleanup"
)

// Job is a named schedule.
type Job struct {
	Name     string
	Spec     string
	Schedule cron.Schedule
}

// Parse builds a Job from a standard five-field cron spec or a descriptor
// such as "@every 3m".
func Parse(name, spec string) (Job, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return Job{}, fmt.Errorf("parse %s schedule %q: %w", name, spec, err)
	}
	return Job{Name: name, Spec: spec, Schedule: sched}, nil
}

// Once returns a Job that fires a single time at at.
func Once(name string, at time.Time) Job {
	return Job{Name: name, Spec: "@once " + at.Format(time.RFC3339), Schedule: onceSchedule{at: at}}
}

type onceSchedule struct{ at time.Time }

// Next implements cron.Schedule. The zero time means never again.
func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// Due returns, in input order, the jobs whose next activation after their
// last run is at or before now. A job missing from lastRun is not due; seed
// it with the start time. Cron fields are evaluated in lastRun's location.
func Due(now time.Time, lastRun map[string]time.Time, jobs []Job) []Job {
	due := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		last, ok := lastRun[job.Name]
		if !ok {
			continue
		}
		next := job.Schedule.Next(last)
		if next.IsZero() || next.After(now) {
			continue
		}
		due = append(due, job)
	}
	return due
}

// Specs configures the publish-cycle jobs.
type Specs struct {
	Publish string
	Update  string
	Freeze  string
	Cleanup string
}

// Jobs parses every configured spec. Empty specs are skipped.
func (s Specs) Jobs() ([]Job, error) {
	pairs := []struct{ name, spec string }{
		{JobPublish, s.Publish},
		{JobUpdate, s.Update},
		{JobFreeze, s.Freeze},
		{JobCleanup, s.Cleanup},
	}
	jobs := make([]Job, 0, len(pairs))
	for _, p := range pairs {
		if p.spec == "" {
			continue
		}
		job, err := Parse(p.name, p.spec)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
