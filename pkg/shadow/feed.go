package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gravitas/pkg/statebus"
)

var feedRetryDelay = 500 * time.Millisecond

// Feed reads telemetry snapshots from c until ctx is done and keeps the
// most recent one. Undecodable messages are skipped.
func (r *Recorder) Feed(ctx context.Context, c statebus.Consumer) error {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, statebus.ErrClosed) {
				return err
			}
			r.log.WithError(err).Warn("telemetry read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(feedRetryDelay):
			}
			continue
		}
		var t Telemetry
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			r.log.WithError(err).Warn("telemetry snapshot skipped")
			continue
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = r.now().UTC()
		}
		r.latestMu.Lock()
		r.latest = &t
		r.latestMu.Unlock()
	}
}

// Latest is the most recent telemetry seen by Feed.
func (r *Recorder) Latest() (Telemetry, bool) {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	if r.latest == nil {
		return Telemetry{}, false
	}
	return *r.latest, true
}

// Observe sets the latest telemetry directly.
func (r *Recorder) Observe(t Telemetry) {
	r.latestMu.Lock()
	r.latest = &t
	r.latestMu.Unlock()
}
