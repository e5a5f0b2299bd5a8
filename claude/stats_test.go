package claude

import (
	"testing"
	"time"
)

func TestStatsDerivedValuesRequireData(t *testing.T) {
	var s Stats

	if _, ok := s.TimeToFirstToken(); ok {
		t.Error("TimeToFirstToken ok = true with no data, want false")
	}
	if _, ok := s.TokensPerSecond(); ok {
		t.Error("TokensPerSecond ok = true with no data, want false")
	}
	if _, ok := s.ContextPercentUsed(); ok {
		t.Error("ContextPercentUsed ok = true with no data, want false")
	}
}

func TestStatsFullTurn(t *testing.T) {
	var s Stats
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s.BeginTurn(start)
	s.MarkFirstToken(start.Add(800 * time.Millisecond))
	s.ApplyUsage(Usage{InputTokens: 1500, CacheReadInputTokens: 500})
	s.ApplyResult(&TurnResult{
		CostUSD: 0.03,
		Usage:   Usage{InputTokens: 1500, OutputTokens: 200, CacheReadInputTokens: 500},
	}, start.Add(10800*time.Millisecond))

	ttft, ok := s.TimeToFirstToken()
	if !ok {
		t.Fatal("TimeToFirstToken ok = false, want true")
	}
	if ttft != 800*time.Millisecond {
		t.Errorf("TimeToFirstToken = %v, want 800ms", ttft)
	}

	tps, ok := s.TokensPerSecond()
	if !ok {
		t.Fatal("TokensPerSecond ok = false, want true")
	}
	// 200 tokens over 10 seconds
	if tps < 19.9 || tps > 20.1 {
		t.Errorf("TokensPerSecond = %f, want ~20", tps)
	}

	pct, ok := s.ContextPercentUsed()
	if !ok {
		t.Fatal("ContextPercentUsed ok = false, want true")
	}
	// (1500 + 500) / 200000 = 1%
	if pct < 0.99 || pct > 1.01 {
		t.Errorf("ContextPercentUsed = %f, want ~1", pct)
	}

	if s.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", s.MessageCount)
	}
	if s.TotalOutputTokens != 200 {
		t.Errorf("TotalOutputTokens = %d, want 200", s.TotalOutputTokens)
	}
}

func TestStatsBeginTurnResetsPerTurnFields(t *testing.T) {
	var s Stats
	start := time.Now()

	s.BeginTurn(start)
	s.MarkFirstToken(start.Add(time.Second))
	s.ApplyResult(&TurnResult{
		CostUSD: 0.01,
		Usage:   Usage{InputTokens: 1000, OutputTokens: 100},
	}, start.Add(2*time.Second))

	// Next turn: derived values must not be computed from the previous
	// turn's fields.
	s.BeginTurn(start.Add(time.Minute))

	if _, ok := s.TimeToFirstToken(); ok {
		t.Error("TimeToFirstToken ok = true right after BeginTurn, want false")
	}
	if _, ok := s.TokensPerSecond(); ok {
		t.Error("TokensPerSecond ok = true right after BeginTurn, want false")
	}
	if _, ok := s.ContextPercentUsed(); ok {
		t.Error("ContextPercentUsed ok = true right after BeginTurn, want false")
	}

	// Cumulative counters survive the reset.
	if s.TotalInputTokens != 1000 {
		t.Errorf("TotalInputTokens = %d, want 1000", s.TotalInputTokens)
	}
	if s.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", s.MessageCount)
	}
}

func TestStatsAccumulatesAcrossTurns(t *testing.T) {
	var s Stats
	now := time.Now()

	for i := 0; i < 3; i++ {
		s.BeginTurn(now)
		s.ApplyResult(&TurnResult{
			CostUSD: 0.01,
			Usage:   Usage{InputTokens: 100, OutputTokens: 50},
		}, now)
	}

	if s.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", s.MessageCount)
	}
	if s.TotalInputTokens != 300 {
		t.Errorf("TotalInputTokens = %d, want 300", s.TotalInputTokens)
	}
	if s.TotalOutputTokens != 150 {
		t.Errorf("TotalOutputTokens = %d, want 150", s.TotalOutputTokens)
	}
	if s.TotalCostUSD < 0.029 || s.TotalCostUSD > 0.031 {
		t.Errorf("TotalCostUSD = %f, want ~0.03", s.TotalCostUSD)
	}
}

func TestMarkFirstTokenIgnoresLaterCalls(t *testing.T) {
	var s Stats
	start := time.Now()

	s.BeginTurn(start)
	s.MarkFirstToken(start.Add(time.Second))
	s.MarkFirstToken(start.Add(5 * time.Second))

	ttft, ok := s.TimeToFirstToken()
	if !ok {
		t.Fatal("TimeToFirstToken ok = false, want true")
	}
	if ttft != time.Second {
		t.Errorf("TimeToFirstToken = %v, want 1s", ttft)
	}
}

func TestBuildArgs(t *testing.T) {
	t.Run("new session", func(t *testing.T) {
		args := buildArgs(StartOptions{WorkingDir: "/tmp"}, "uuid-1")
		assertContainsSeq(t, args, "--session-id", "uuid-1")
		assertNotContains(t, args, "--resume")
		assertContainsSeq(t, args, "--output-format", "stream-json")
		assertNotContains(t, args, "--mcp-config")
	})

	t.Run("resume session", func(t *testing.T) {
		args := buildArgs(StartOptions{ResumeSessionID: "old-id"}, "old-id")
		assertContainsSeq(t, args, "--resume", "old-id")
		assertNotContains(t, args, "--session-id")
	})

	t.Run("permission delegation", func(t *testing.T) {
		args := buildArgs(StartOptions{
			MCPConfigPath:  "/tmp/mcp.json",
			PermissionTool: "mcp__approver__approve",
		}, "uuid-1")
		assertContainsSeq(t, args, "--mcp-config", "/tmp/mcp.json")
		assertContainsSeq(t, args, "--permission-prompt-tool", "mcp__approver__approve")
	})

	t.Run("permission requires both fields", func(t *testing.T) {
		args := buildArgs(StartOptions{MCPConfigPath: "/tmp/mcp.json"}, "uuid-1")
		assertNotContains(t, args, "--mcp-config")
	})

	t.Run("system context", func(t *testing.T) {
		args := buildArgs(StartOptions{SystemContext: "be brief"}, "uuid-1")
		assertContainsSeq(t, args, "--append-system-prompt", "be brief")
	})
}

func assertContainsSeq(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i, a := range args {
		if a == flag {
			if i+1 >= len(args) {
				t.Errorf("flag %s has no value", flag)
			} else if args[i+1] != value {
				t.Errorf("flag %s followed by %q, want %q", flag, args[i+1], value)
			}
			return
		}
	}
	t.Errorf("args missing flag %s: %v", flag, args)
}

func assertNotContains(t *testing.T, args []string, flag string) {
	t.Helper()
	for _, a := range args {
		if a == flag {
			t.Errorf("args unexpectedly contain %s: %v", flag, args)
		}
	}
}
