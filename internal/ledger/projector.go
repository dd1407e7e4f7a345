package ledger

import (
	"time"

	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// Apply folds a single stream event into the ledger. It is a pure function
// of (ledger, event) — replaying the same event twice against a copy of the
// same ledger yields the same result, which is what makes crash recovery
// (internal/recovery) able to rebuild the projection by replaying the whole
// log from offset zero.
//
// Unrecognized event types are ignored; Apply only reacts to the
// ledger.* family.
func Apply(l *Ledger, ev stream.Event) {
	l.Meta.LastUpdated = time.UnixMilli(ev.TimestampMS)

	switch ev.Type {
	case stream.EventLedgerEpicCreated:
		applyEpicCreated(l, ev)
	case stream.EventLedgerEpicStarted:
		if l.Epic != nil {
			l.Epic.Status = EpicInProgress
		}
	case stream.EventLedgerEpicCompleted:
		applyEpicCompleted(l, ev)
	case stream.EventLedgerTaskCreated:
		applyTaskCreated(l, ev)
	case stream.EventLedgerTaskStarted:
		setTaskStatus(l, str(ev.Payload, "task_id"), TaskRunning, "", "")
	case stream.EventLedgerTaskCompleted:
		setTaskStatus(l, str(ev.Payload, "task_id"), TaskCompleted, str(ev.Payload, "result"), "")
		bumpCompletionCount(l)
	case stream.EventLedgerTaskFailed:
		setTaskStatus(l, str(ev.Payload, "task_id"), TaskFailed, "", str(ev.Payload, "error"))
	case stream.EventLedgerTaskYielded:
		setTaskStatus(l, str(ev.Payload, "task_id"), TaskYielded, "", "")
	case stream.EventLedgerHandoffCreated:
		applyHandoffCreated(l, ev)
	case stream.EventLedgerHandoffResumed:
		l.Handoff = nil
		l.Meta.Status = SessionActive
	case stream.EventLedgerLearningExtracted:
		applyLearningExtracted(l, ev)
	case stream.EventLedgerDirectiveAdded:
		l.Governance.Directives = append(l.Governance.Directives, Directive{
			Content:   str(ev.Payload, "content"),
			Source:    str(ev.Payload, "source"),
			CreatedAt: time.UnixMilli(ev.TimestampMS),
		})
		l.pushActivity("directive added: " + str(ev.Payload, "content"))
	case stream.EventLedgerAssumptionRecorded:
		l.Governance.Assumptions = append(l.Governance.Assumptions, Assumption{
			Content:   str(ev.Payload, "content"),
			Source:    str(ev.Payload, "source"),
			Rationale: str(ev.Payload, "rationale"),
			Status:    AssumptionPendingReview,
			CreatedAt: time.UnixMilli(ev.TimestampMS),
		})
	case stream.EventLedgerAssumptionResolved:
		applyAssumptionResolved(l, ev)
	}
}

func str(p stream.Payload, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func strSlice(p stream.Payload, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func applyEpicCreated(l *Ledger, ev stream.Event) {
	if l.Epic != nil && l.Epic.Status != EpicCompleted && l.Epic.Status != EpicFailed {
		// Invariant: at most one active epic at a time. A new epic.created
		// while one is still open archives the stale one defensively rather
		// than silently dropping its history.
		l.archiveEpic(*l.Epic)
	}
	l.Epic = &Epic{
		ID:        str(ev.Payload, "epic_id"),
		Title:     str(ev.Payload, "title"),
		Request:   str(ev.Payload, "request"),
		Status:    EpicInProgress,
		CreatedAt: time.UnixMilli(ev.TimestampMS),
	}
	l.Meta.Phase = "PLANNING"
	l.Meta.TasksCompleted = "0/0"
	l.pushActivity("epic created: " + l.Epic.Title)
}

func applyEpicCompleted(l *Ledger, ev stream.Event) {
	if l.Epic == nil {
		return
	}
	now := time.UnixMilli(ev.TimestampMS)
	status := EpicCompleted
	if str(ev.Payload, "status") == "failed" {
		status = EpicFailed
	}
	l.Epic.Status = status
	l.Epic.CompletedAt = &now
	l.pushActivity("epic " + string(status) + ": " + l.Epic.Title)
	l.archiveEpic(*l.Epic)
	l.Epic = nil
}

func applyTaskCreated(l *Ledger, ev stream.Event) {
	if l.Epic == nil {
		return
	}
	t := EpicTask{
		ID:          str(ev.Payload, "task_id"),
		Description: str(ev.Payload, "description"),
		Status:      TaskPending,
	}
	l.Epic.Tasks = append(l.Epic.Tasks, t)
	if len(l.Epic.Tasks) > maxEpicTasks {
		// Invariant: epic.tasks size <= 3. The oldest entry is compacted into
		// the progress log rather than silently dropped.
		dropped := l.Epic.Tasks[0]
		l.Epic.ProgressLog = append(l.Epic.ProgressLog, "compacted: "+dropped.Description+" ("+string(dropped.Status)+")")
		l.Epic.Tasks = l.Epic.Tasks[1:]
	}
}

func findTask(l *Ledger, taskID string) *EpicTask {
	if l.Epic == nil {
		return nil
	}
	for i := range l.Epic.Tasks {
		if l.Epic.Tasks[i].ID == taskID {
			return &l.Epic.Tasks[i]
		}
	}
	return nil
}

func setTaskStatus(l *Ledger, taskID string, status TaskStatus, result, errMsg string) {
	t := findTask(l, taskID)
	if t == nil {
		return
	}
	t.Status = status
	if result != "" {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	if l.Epic != nil {
		l.Epic.ProgressLog = append(l.Epic.ProgressLog, t.Description+": "+string(status))
	}
}

func bumpCompletionCount(l *Ledger) {
	var done, total int
	if l.Epic != nil {
		total = len(l.Epic.Tasks)
		for _, t := range l.Epic.Tasks {
			if t.Status == TaskCompleted {
				done++
			}
		}
	}
	l.Meta.TasksCompleted = itoa(done) + "/" + itoa(total)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func applyHandoffCreated(l *Ledger, ev stream.Event) {
	l.Handoff = &Handoff{
		Decisions:         strSlice(ev.Payload, "decisions"),
		Plan:              strSlice(ev.Payload, "plan"),
		AffectedFiles:     strSlice(ev.Payload, "affected_files"),
		RelevantLearnings: strSlice(ev.Payload, "relevant_learnings"),
		CreatedAt:         time.UnixMilli(ev.TimestampMS),
	}
	l.Meta.Status = SessionHandoff
	l.pushActivity("handoff created")
}

func applyLearningExtracted(l *Ledger, ev stream.Event) {
	content := str(ev.Payload, "content")
	if content == "" {
		return
	}
	switch str(ev.Payload, "kind") {
	case "correction":
		l.Learnings.Corrections = addLearning(l.Learnings.Corrections, content)
	case "anti_pattern":
		l.Learnings.AntiPatterns = addLearning(l.Learnings.AntiPatterns, content)
	case "decision":
		l.Learnings.Decisions = addLearning(l.Learnings.Decisions, content)
	case "preference":
		l.Learnings.Preferences = addLearning(l.Learnings.Preferences, content)
	}
}

func applyAssumptionResolved(l *Ledger, ev stream.Event) {
	content := str(ev.Payload, "content")
	approved := str(ev.Payload, "status") == "approved"
	for i := range l.Governance.Assumptions {
		a := &l.Governance.Assumptions[i]
		if a.Content == content && a.Status == AssumptionPendingReview {
			if approved {
				a.Status = AssumptionApproved
			} else {
				a.Status = AssumptionRejected
			}
			return
		}
	}
}

// Rebuild replays a full ordered event slice into a fresh ledger, used by
// the recovery subsystem to reconstruct the projection after a crash
// without trusting whatever was last flushed to disk. An epic whose tasks
// all reached a terminal outcome before the crash — but whose closing
// event was never appended — is finalized here: all completed closes it as
// completed, all failed as failed.
func Rebuild(sessionID string, events []stream.Event) *Ledger {
	l := New(sessionID)
	for _, ev := range events {
		Apply(l, ev)
	}
	finalizeEpic(l)
	return l
}

func finalizeEpic(l *Ledger) {
	if l.Epic == nil || len(l.Epic.Tasks) == 0 {
		return
	}
	completed, failed := 0, 0
	for _, t := range l.Epic.Tasks {
		switch t.Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		}
	}

	var status EpicStatus
	switch {
	case completed == len(l.Epic.Tasks):
		status = EpicCompleted
	case failed == len(l.Epic.Tasks):
		status = EpicFailed
	default:
		return
	}

	now := l.Meta.LastUpdated
	l.Epic.Status = status
	l.Epic.CompletedAt = &now
	l.pushActivity("epic " + string(status) + ": " + l.Epic.Title)
	l.archiveEpic(*l.Epic)
	l.Epic = nil
}
