package config

import "testing"

const sampleChecklist = `# HEARTBEAT

- [x] process backlog kanban cards
- [ ] retry blocked cards
- [x] skip cards tagged interactive
- [x] merge branch-verified cards
- [ ] collect campaign metrics
- [x] send daily digest

max concurrent agents: 5
blocked retry interval: 15
`

func TestParseChecklistSourceMatchesCheckedBoxes(t *testing.T) {
	c := ParseChecklistSource([]byte(sampleChecklist))

	if !c.ProcessBacklog {
		t.Fatalf("expected ProcessBacklog true")
	}
	if c.RetryBlocked {
		t.Fatalf("expected RetryBlocked false (unchecked)")
	}
	if !c.SkipInteractiveOnly {
		t.Fatalf("expected SkipInteractiveOnly true")
	}
	if !c.MergeVerified {
		t.Fatalf("expected MergeVerified true")
	}
	if c.CollectMetrics {
		t.Fatalf("expected CollectMetrics false (unchecked)")
	}
	if !c.SendDigest {
		t.Fatalf("expected SendDigest true")
	}
}

func TestParseChecklistSourceParsesNumericToggles(t *testing.T) {
	c := ParseChecklistSource([]byte(sampleChecklist))
	if c.MaxConcurrentAgents != 5 {
		t.Fatalf("expected MaxConcurrentAgents 5, got %d", c.MaxConcurrentAgents)
	}
	if c.BlockedRetryMinutes != 15 {
		t.Fatalf("expected BlockedRetryMinutes 15, got %d", c.BlockedRetryMinutes)
	}
}

func TestParseChecklistMissingFileReturnsZeroValue(t *testing.T) {
	c, err := ParseChecklist("/nonexistent/HEARTBEAT.md")
	if err != nil {
		t.Fatalf("expected no error for a missing checklist file, got %v", err)
	}
	if c != (Checklist{}) {
		t.Fatalf("expected zero-value checklist, got %+v", c)
	}
}

func TestChecklistToHeartbeatProjectsRelevantFields(t *testing.T) {
	c := Checklist{
		SkipInteractiveOnly: true,
		BlockedRetryMinutes: 20,
		MergeVerified:       true,
		MaxConcurrentAgents: 4,
	}
	hb := c.ToHeartbeat()
	if !hb.SkipInteractiveOnly || hb.BlockedRetryMinutes != 20 || !hb.AutoMerge || hb.MaxConcurrentAgents != 4 {
		t.Fatalf("unexpected projection: %+v", hb)
	}
}
