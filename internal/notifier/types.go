package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one message for one operator.
type Notification struct {
	OperatorID int64
	Text       string
	// Always skips the dedup window.
	Always bool
}

type HistoryItem struct {
	At         time.Time
	OperatorID int64
	Text       string
}

// Event is published on the bus as notifier.* events.
type Event struct {
	OperatorID int64     `json:"operator_id"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
