package engine

import (
	"fmt"
	"strings"
	"time"

	"codexserver/pkg/domain"
)

// compactionKeepRecentItems is how many of the most recent items survive
// compaction untouched; everything before them is folded into one
// ItemContextCompaction item (Open Question decision: deterministic
// extractive summary, not a model-generated one, so compaction never
// depends on an LLM call succeeding).
const compactionKeepRecentItems = 6

// CompactStart replaces all but the most recent items with a single
// extractive summary item, shrinking what future turns replay into the
// model's context window.
func (e *Engine) CompactStart(threadID domain.ThreadID) error {
	ts, err := e.lookup(threadID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	if ts.state != StateIdle {
		ts.mu.Unlock()
		return fmt.Errorf("engine: cannot compact thread %s while turn is %s", threadID, ts.state)
	}
	items := ts.thread.Items
	if len(items) <= compactionKeepRecentItems {
		ts.mu.Unlock()
		return nil // nothing worth compacting yet
	}
	cut := len(items) - compactionKeepRecentItems
	toSummarize := items[:cut]
	kept := append([]domain.Item(nil), items[cut:]...)
	ts.mu.Unlock()

	summary := extractiveSummary(toSummarize)
	summaryItem := domain.Item{
		ID:                newItemID(),
		Kind:              domain.ItemContextCompaction,
		CompactionSummary: summary,
		CreatedAt:         time.Now(),
	}

	if err := e.rollouts.AppendItem(threadID, summaryItem); err != nil {
		return fmt.Errorf("engine: compact %s: %w", threadID, err)
	}

	ts.mu.Lock()
	ts.thread.Items = append([]domain.Item{summaryItem}, kept...)
	ts.mu.Unlock()

	e.notify(rpcNotifyThreadCompacted, map[string]any{"threadId": threadID, "itemsSummarized": len(toSummarize)})
	return nil
}

// extractiveSummary builds a deterministic digest of items by pulling
// the first line of each user message and the tool name of each tool
// call, rather than asking a model to summarize. Cheap, reproducible,
// and good enough to keep later turns oriented on what already happened.
func extractiveSummary(items []domain.Item) string {
	var b strings.Builder
	b.WriteString("Earlier in this thread:\n")
	for _, item := range items {
		switch item.Kind {
		case domain.ItemUserMessage:
			b.WriteString("- user asked: ")
			b.WriteString(firstLine(item.Text))
			b.WriteString("\n")
		case domain.ItemAssistantMessage:
			b.WriteString("- assistant replied: ")
			b.WriteString(firstLine(item.Text))
			b.WriteString("\n")
		case domain.ItemToolCall:
			b.WriteString("- ran tool ")
			b.WriteString(item.ToolName)
			b.WriteString("\n")
		case domain.ItemPlanUpdate:
			b.WriteString("- plan: ")
			b.WriteString(item.PlanTitle)
			b.WriteString(" (")
			b.WriteString(item.PlanStatus)
			b.WriteString(")\n")
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 160
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}
