package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"awc/kanban"
)

func TestRunGate0FailsOnEmptyTitle(t *testing.T) {
	in := PreflightInput{
		Card:          &kanban.KanbanCard{Title: "", Description: "do the thing"},
		WorktreePath:  "/tmp/wt",
		MatchedSkills: 1,
	}
	result := RunGate0(in)
	if result.Passed {
		t.Fatalf("expected Gate 0 to fail on empty title")
	}
	found := false
	for _, r := range result.Preflight {
		if r == "title is empty" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'title is empty' in preflight reasons, got %v", result.Preflight)
	}
}

func TestRunGate0PassesWhenEverythingPresent(t *testing.T) {
	in := PreflightInput{
		Card:          &kanban.KanbanCard{Title: "fix the bug", Description: "steps to reproduce"},
		WorktreePath:  "/tmp/wt",
		MatchedSkills: 2,
	}
	result := RunGate0(in)
	if !result.Passed {
		t.Fatalf("expected Gate 0 to pass, got reasons: %v", result.Preflight)
	}
}

func TestRunGate0FailsOnAnotherAgentRunning(t *testing.T) {
	in := PreflightInput{
		Card:            &kanban.KanbanCard{Title: "t", Description: "d"},
		WorktreePath:    "/tmp/wt",
		AnotherAgentRun: true,
		MatchedSkills:   1,
	}
	result := RunGate0(in)
	if result.Passed {
		t.Fatalf("expected Gate 0 to fail when another agent already holds the card")
	}
}

func TestRunGate1AllCommandsPass(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		WorktreePath: dir,
		Commands: []Command{
			{Name: "tsc", Argv: []string{"true"}},
			{Name: "lint", Argv: []string{"true"}},
		},
	}
	result, err := RunGate1(context.Background(), cfg, kanban.GateBranch)
	if err != nil {
		t.Fatalf("RunGate1: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected all-passing commands to yield a passing gate, got %+v", result.Commands)
	}
	if result.Metrics == nil {
		t.Fatalf("expected metrics to be harvested")
	}
}

func TestRunGate1FailsWhenACommandFails(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		WorktreePath: dir,
		Commands: []Command{
			{Name: "tsc", Argv: []string{"true"}},
			{Name: "lint", Argv: []string{"false"}},
		},
	}
	result, err := RunGate1(context.Background(), cfg, kanban.GateBranch)
	if err != nil {
		t.Fatalf("RunGate1: %v", err)
	}
	if result.Passed {
		t.Fatalf("expected gate to fail when one command exits non-zero")
	}
	var lintResult *CommandResult
	for i := range result.Commands {
		if result.Commands[i].Name == "lint" {
			lintResult = &result.Commands[i]
		}
	}
	if lintResult == nil || lintResult.Passed {
		t.Fatalf("expected lint command to be recorded as failed")
	}
}

func TestHarvestMetricsCountsSourceAndTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), "package main\n")
	writeFile(t, filepath.Join(dir, "main_test.go"), "package main\n")
	writeFile(t, filepath.Join(dir, "widget.ts"), "const x: any = 1\nconst y: any = 2\n")
	mkdirAll(t, filepath.Join(dir, "node_modules"))
	writeFile(t, filepath.Join(dir, "node_modules", "skip.go"), "package skip\n")

	metrics, err := HarvestMetrics(dir)
	if err != nil {
		t.Fatalf("HarvestMetrics: %v", err)
	}
	if metrics.SourceFiles != 3 {
		t.Fatalf("expected 3 source files (node_modules skipped), got %d", metrics.SourceFiles)
	}
	if metrics.TestFiles != 1 {
		t.Fatalf("expected 1 test file, got %d", metrics.TestFiles)
	}
	if metrics.AnyEscapes != 2 {
		t.Fatalf("expected 2 any-escapes, got %d", metrics.AnyEscapes)
	}
}

func TestDeltaComputesDifference(t *testing.T) {
	baseline := kanban.CodebaseMetrics{LintWarnings: 5, AnyEscapes: 10, SourceFiles: 100}
	current := kanban.CodebaseMetrics{LintWarnings: 2, AnyEscapes: 10, SourceFiles: 104}
	d := Delta(baseline, current)
	if d.LintWarnings != -3 || d.AnyEscapes != 0 || d.SourceFiles != 4 {
		t.Fatalf("unexpected delta: %+v", d)
	}
}

func TestParseLintOutputCountsBySeverityToken(t *testing.T) {
	out := "src/a.ts:1:1 warning unused var\nsrc/b.ts:2:1 error missing semicolon\nsrc/c.ts:3:1 warning shadowed var\n"
	warnings, errs := ParseLintOutput(out)
	if warnings != 2 || errs != 1 {
		t.Fatalf("expected 2 warnings / 1 error, got %d/%d", warnings, errs)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll %s: %v", path, err)
	}
}
