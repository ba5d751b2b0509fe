package domain

import "time"

// PendingRequest is an inbound connection parked during a cold start,
// waiting for its App to report a Ready instance. Queued requests are
// served in arrival order and never persist across restarts.
type PendingRequest struct {
	AppID     string
	ArrivedAt time.Time
	Deadline  time.Time
}

// Expired reports whether the request has outlived its cold-start deadline.
func (p PendingRequest) Expired(now time.Time) bool {
	return now.After(p.Deadline)
}
