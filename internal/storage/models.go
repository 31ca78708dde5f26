package storage

import (
	"time"

	"finpatrol/internal/snapshot"
)

// Sample is one immutable observation of an instrument.
type Sample struct {
	Instrument string
	Timestamp  time.Time
	Value      float64
	Category   snapshot.Category
}

// DailySnapshot is the processed payload stored once per calendar date.
type DailySnapshot struct {
	Date    string
	Payload snapshot.Payload
}

// PublishedMessage tracks the externally visible message for a date.
type PublishedMessage struct {
	Date       string
	ExternalID int64
	Payload    snapshot.Payload
	UpdatedAt  time.Time
}
