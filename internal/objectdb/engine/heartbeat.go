package engine

// staleAfterMultiple is how many heartbeat intervals may pass without a
// heartbeat before a connection is considered dead. Matches the
// original's fixed 4x window.
const staleAfterMultiple = 4

// CheckForDeadConnections sweeps every connected channel and drops any
// whose last heartbeat is older than 4x the configured heartbeat
// interval. Called periodically (cmd/objectdb-server runs it on a
// time.Ticker), outside of any per-message handling, matching the
// original's standalone liveness sweep.
func (s *Server) CheckForDeadConnections() {
	threshold := staleAfterMultiple * s.HeartbeatInterval()

	s.mu.Lock()
	var dead []*Channel
	for ch := range s.channels {
		if ch.heartbeatAge() > threshold {
			dead = append(dead, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range dead {
		s.opts.Metrics.IncHeartbeatDrops()
		s.opts.Logger.Sugar().Infow("engine: dropping stale connection",
			"connIdentity", ch.ConnIdentity())
		s.DropConnection(ch)
	}
}
