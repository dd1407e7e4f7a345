package ledger

import (
	"fmt"
	"strings"
)

// Render produces the human-readable markdown view of the ledger — the
// external view a human or another tool can read without parsing the
// event log. The exact prose is not load-bearing; the bounded sizes
// and section presence are.
func Render(l *Ledger) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Session %s\n\n", l.Meta.SessionID)
	fmt.Fprintf(&b, "- status: %s\n", l.Meta.Status)
	fmt.Fprintf(&b, "- phase: %s\n", l.Meta.Phase)
	fmt.Fprintf(&b, "- tasks completed: %s\n", l.Meta.TasksCompleted)
	if l.Meta.CurrentTask != "" {
		fmt.Fprintf(&b, "- current task: %s\n", l.Meta.CurrentTask)
	}
	fmt.Fprintf(&b, "- last updated: %s\n\n", l.Meta.LastUpdated.Format("2006-01-02T15:04:05Z"))

	b.WriteString("## Governance\n\n")
	if len(l.Governance.Directives) == 0 {
		b.WriteString("_no directives_\n\n")
	} else {
		b.WriteString("### Directives\n\n")
		for _, d := range l.Governance.Directives {
			fmt.Fprintf(&b, "- %s (from %s)\n", d.Content, d.Source)
		}
		b.WriteString("\n")
	}
	if len(l.Governance.Assumptions) > 0 {
		b.WriteString("### Assumptions\n\n")
		for _, a := range l.Governance.Assumptions {
			fmt.Fprintf(&b, "- [%s] %s — %s\n", a.Status, a.Content, a.Rationale)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Epic\n\n")
	if l.Epic == nil {
		b.WriteString("_no active epic_\n\n")
	} else {
		renderEpic(&b, *l.Epic)
	}

	b.WriteString("## Activity\n\n")
	if len(l.Activity) == 0 {
		b.WriteString("_none yet_\n\n")
	} else {
		for _, line := range l.Activity {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Learnings\n\n")
	renderLearningSection(&b, "Decisions", l.Learnings.Decisions)
	renderLearningSection(&b, "Corrections", l.Learnings.Corrections)
	renderLearningSection(&b, "Anti-patterns", l.Learnings.AntiPatterns)
	renderLearningSection(&b, "Preferences", l.Learnings.Preferences)

	if l.Handoff != nil {
		b.WriteString("## Handoff\n\n")
		renderList(&b, "Decisions", l.Handoff.Decisions)
		renderList(&b, "Plan", l.Handoff.Plan)
		renderList(&b, "Affected files", l.Handoff.AffectedFiles)
		renderList(&b, "Relevant learnings", l.Handoff.RelevantLearnings)
	}

	if len(l.Archive) > 0 {
		b.WriteString("## Archive\n\n")
		for _, e := range l.Archive {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", e.ID, e.Title, e.Status)
		}
	}

	return b.String()
}

func renderEpic(b *strings.Builder, e Epic) {
	fmt.Fprintf(b, "**%s** (%s)\n\n", e.Title, e.Status)
	fmt.Fprintf(b, "> %s\n\n", e.Request)
	if len(e.Tasks) > 0 {
		b.WriteString("| task | status | result/error |\n|---|---|---|\n")
		for _, t := range e.Tasks {
			detail := t.Result
			if t.Error != "" {
				detail = t.Error
			}
			fmt.Fprintf(b, "| %s | %s | %s |\n", t.Description, t.Status, detail)
		}
		b.WriteString("\n")
	}
	if len(e.ProgressLog) > 0 {
		b.WriteString("progress log:\n")
		for _, line := range e.ProgressLog {
			fmt.Fprintf(b, "- %s\n", line)
		}
		b.WriteString("\n")
	}
}

func renderLearningSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func renderList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", title, strings.Join(items, "; "))
}
