package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"awc/heartbeat"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	astext "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Checklist is the full set of runtime toggles a HEARTBEAT.md file can
// override. Unset entries keep whatever the defaults/env tiers resolved.
type Checklist struct {
	ProcessBacklog        bool
	RetryBlocked          bool
	SkipInteractiveOnly   bool
	MergeVerified         bool
	CollectMetrics        bool
	CrossProjectSynthesis bool
	DraftPRs              bool
	SendDigest            bool
	CleanWorktrees        bool
	NotificationsEnabled  bool
	SkipLargeContext      bool
	MaxConcurrentAgents   int
	BlockedRetryMinutes   int
}

// checklistMarkers maps a recognised checkbox line (matched by substring,
// case-insensitively) to the Checklist field it sets when checked.
var checklistMarkers = []struct {
	phrase string
	set    func(*Checklist)
}{
	{"process backlog kanban cards", func(c *Checklist) { c.ProcessBacklog = true }},
	{"retry blocked cards", func(c *Checklist) { c.RetryBlocked = true }},
	{"skip cards tagged interactive", func(c *Checklist) { c.SkipInteractiveOnly = true }},
	{"merge branch-verified cards", func(c *Checklist) { c.MergeVerified = true }},
	{"collect campaign metrics", func(c *Checklist) { c.CollectMetrics = true }},
	{"generate cross-project synthesis", func(c *Checklist) { c.CrossProjectSynthesis = true }},
	{"draft prs for merge-verified", func(c *Checklist) { c.DraftPRs = true }},
	{"send daily digest", func(c *Checklist) { c.SendDigest = true }},
	{"clean up stale worktrees", func(c *Checklist) { c.CleanWorktrees = true }},
	{"telegram/websocket notifications", func(c *Checklist) { c.NotificationsEnabled = true }},
	{"skip cards with context", func(c *Checklist) { c.SkipLargeContext = true }},
}

var (
	maxConcurrentAgentsPattern = regexp.MustCompile(`(?i)max concurrent agents:\s*(\d+)`)
	blockedRetryMinutesPattern = regexp.MustCompile(`(?i)blocked retry interval:\s*(\d+)`)
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ParseChecklist reads and parses a HEARTBEAT.md-shaped file. A missing file
// is not an error: it returns the zero Checklist, leaving every toggle at
// whatever the caller's lower tiers already resolved.
func ParseChecklist(path string) (Checklist, error) {
	source, err := os.ReadFile(path) // #nosec G304 -- path from internal config, not user input
	if os.IsNotExist(err) {
		return Checklist{}, nil
	}
	if err != nil {
		return Checklist{}, err
	}
	return ParseChecklistSource(source), nil
}

// ParseChecklistSource walks source's GFM task-list AST for checked boxes
// matching the fixed recognition table, then separately regex-scans the raw
// text for the two numeric "<label>: <int>" toggles.
func ParseChecklistSource(source []byte) Checklist {
	var checklist Checklist

	doc := markdown.Parser().Parse(text.NewReader(source))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		box, ok := n.(*astext.TaskCheckBox)
		if !ok || !box.IsChecked {
			return ast.WalkContinue, nil
		}
		line := strings.ToLower(lineText(n.Parent(), source))
		for _, marker := range checklistMarkers {
			if strings.Contains(line, marker.phrase) {
				marker.set(&checklist)
			}
		}
		return ast.WalkContinue, nil
	})

	raw := string(source)
	if m := maxConcurrentAgentsPattern.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			checklist.MaxConcurrentAgents = n
		}
	}
	if m := blockedRetryMinutesPattern.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			checklist.BlockedRetryMinutes = n
		}
	}

	return checklist
}

// lineText reassembles the raw source text a list-item's text block spans,
// used to match a checked box's full line against the recognition table.
func lineText(n ast.Node, source []byte) string {
	if n == nil {
		return ""
	}
	spanner, ok := n.(interface{ Lines() *text.Segments })
	if !ok {
		return ""
	}
	segs := spanner.Lines()
	var sb strings.Builder
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		sb.Write(seg.Value(source))
	}
	return sb.String()
}

// ToHeartbeat projects the parts of a Checklist the heartbeat driver
// consumes on every tick.
func (c Checklist) ToHeartbeat() heartbeat.Checklist {
	return heartbeat.Checklist{
		SkipInteractiveOnly: c.SkipInteractiveOnly,
		BlockedRetryMinutes: c.BlockedRetryMinutes,
		AutoMerge:           c.MergeVerified,
		MaxConcurrentAgents: c.MaxConcurrentAgents,
	}
}
