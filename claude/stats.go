package claude

import "time"

// contextWindowTokens is the subprocess model's context window size, used
// for the percent-used estimate.
const contextWindowTokens = 200000

// Stats tracks usage for one session: cumulative counters across turns plus
// per-turn counters that reset when a turn begins.
//
// Stats is a plain mutable record owned by the session's reader goroutine.
// Only the reader mutates it; other goroutines read it through
// Session.StatsSnapshot, which copies under the session lock.
type Stats struct {
	// Cumulative across the session's lifetime.
	TotalCostUSD      float64
	TotalInputTokens  int
	TotalOutputTokens int
	MessageCount      int

	// Per-turn, reset by BeginTurn.
	TurnInputTokens         int
	TurnOutputTokens        int
	TurnCacheCreationTokens int
	TurnCacheReadTokens     int
	MessageSentAt           time.Time
	FirstTokenAt            time.Time
	CompleteAt              time.Time
}

// BeginTurn resets the per-turn counters and records when the user message
// was sent. Derived values never read stale previous-turn fields because of
// this reset.
func (s *Stats) BeginTurn(now time.Time) {
	s.TurnInputTokens = 0
	s.TurnOutputTokens = 0
	s.TurnCacheCreationTokens = 0
	s.TurnCacheReadTokens = 0
	s.MessageSentAt = now
	s.FirstTokenAt = time.Time{}
	s.CompleteAt = time.Time{}
}

// MarkFirstToken records when the first text delta arrived. Later calls in
// the same turn are ignored.
func (s *Stats) MarkFirstToken(now time.Time) {
	if s.FirstTokenAt.IsZero() {
		s.FirstTokenAt = now
	}
}

// ApplyUsage folds a mid-turn usage update into the per-turn counters.
// The subprocess reports running totals for the turn, not increments.
func (s *Stats) ApplyUsage(u Usage) {
	if u.InputTokens > 0 {
		s.TurnInputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		s.TurnOutputTokens = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		s.TurnCacheCreationTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		s.TurnCacheReadTokens = u.CacheReadInputTokens
	}
}

// ApplyResult folds the turn's final accounting into the cumulative
// counters and marks the turn complete.
func (s *Stats) ApplyResult(r *TurnResult, now time.Time) {
	s.ApplyUsage(r.Usage)
	s.TotalCostUSD += r.CostUSD
	s.TotalInputTokens += s.TurnInputTokens
	s.TotalOutputTokens += s.TurnOutputTokens
	s.MessageCount++
	s.CompleteAt = now
}

// TimeToFirstToken returns how long the current turn waited for its first
// text delta. ok is false when the turn has not produced a token yet.
func (s *Stats) TimeToFirstToken() (time.Duration, bool) {
	if s.MessageSentAt.IsZero() || s.FirstTokenAt.IsZero() {
		return 0, false
	}
	return s.FirstTokenAt.Sub(s.MessageSentAt), true
}

// TokensPerSecond returns the output token rate for the completed turn,
// measured from first token to completion. ok is false until the turn
// completes with at least one token and a positive duration.
func (s *Stats) TokensPerSecond() (float64, bool) {
	if s.FirstTokenAt.IsZero() || s.CompleteAt.IsZero() || s.TurnOutputTokens == 0 {
		return 0, false
	}
	elapsed := s.CompleteAt.Sub(s.FirstTokenAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(s.TurnOutputTokens) / elapsed, true
}

// ContextPercentUsed estimates how much of the context window the last turn
// consumed, counting fresh and cached input tokens. ok is false when no
// input accounting has arrived yet.
func (s *Stats) ContextPercentUsed() (float64, bool) {
	used := s.TurnInputTokens + s.TurnCacheCreationTokens + s.TurnCacheReadTokens
	if used == 0 {
		return 0, false
	}
	return float64(used) / float64(contextWindowTokens) * 100, true
}
