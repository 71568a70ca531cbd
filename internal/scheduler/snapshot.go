package scheduler

// Timers lists registered timers in firing order with their next match.
func (s *Scheduler) Timers() []TimerInfo {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TimerInfo, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, TimerInfo{
			ID:        t.id,
			Spec:      t.spec.String(),
			Repeating: t.repeating,
			Payload:   t.payload,
			Added:     t.added,
			Fired:     t.fired,
			LastFired: t.lastFired,
			Next:      t.spec.Next(now),
		})
	}
	return out
}

// Snapshot returns a point-in-time view for diagnostics.
func (s *Scheduler) Snapshot() Snapshot {
	timers := s.Timers()

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		State:    s.State(),
		Timezone: s.loc.String(),
		Fired:    s.fired.Load(),
		Failed:   s.failed.Load(),
		Timers:   timers,
		History:  hist,
	}
}
