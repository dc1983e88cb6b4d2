package daemon

import (
	"time"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// BackoffActive reports whether integration must wait for a dirty trunk.
func (p *WorkerPool) BackoffActive(now time.Time) bool {
	return p.state.Backoff.Active(now)
}

// RecordTrunkDirty grows the trunk backoff (60s, doubling, capped at an
// hour) and persists it.
func (p *WorkerPool) RecordTrunkDirty() (*model.Backoff, error) {
	now := p.deps.now()
	p.state.Backoff = model.NextBackoff(p.state.Backoff, now)
	if err := p.Save(); err != nil {
		return nil, err
	}
	p.log(logging.LevelInfo, "trunk_dirty backoff_seconds=%d retry_after=%s",
		p.state.Backoff.BackoffSeconds, time.Unix(p.state.Backoff.RetryAfterUnix, 0).UTC().Format(time.RFC3339))
	return p.state.Backoff, nil
}

// ClearBackoff drops the backoff after a successful integration. The
// caller saves.
func (p *WorkerPool) ClearBackoff() {
	if p.state.Backoff != nil {
		p.log(logging.LevelInfo, "backoff_cleared backoff_seconds=%d", p.state.Backoff.BackoffSeconds)
	}
	p.state.Backoff = nil
}
