// Package todo implements the session-scoped TODO list tool: list, add,
// update, remove, clear, and summary statistics, backed by the
// persistence store's todos table.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/persistence"
)

// Status values for a todo item.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Priority values for a todo item.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var priorityRank = map[string]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}
var statusRank = map[string]int{StatusInProgress: 0, StatusPending: 1, StatusCompleted: 2}

// Item is one durable todo entry.
type Item struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Store is the persistence surface the tool needs; satisfied by
// *persistence.Store.
type Store interface {
	GetTodos(ctx context.Context, sessionID string) (string, error)
	UpsertTodos(ctx context.Context, sessionID, itemsJSON string) error
}

// Tool implements agent.Tool (internal/agent.Tool), managing a
// per-session TODO list through list/add/update/remove/clear/stats
// operations.
type Tool struct {
	store Store
}

// New creates a todo tool backed by store.
func New(store *persistence.Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Name() string { return "todo" }

func (t *Tool) Description() string {
	return "Manage a per-session TODO list: list, add, update, remove, clear, or summarize items."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"list", "add", "update", "remove", "clear", "stats"},
				"description": "The todo operation to perform.",
			},
			"session_id": map[string]any{
				"type":        "string",
				"description": "Session to scope the todo list to (defaults to 'default').",
			},
			"id":       map[string]any{"type": "string", "description": "Todo id (update/remove)."},
			"content":  map[string]any{"type": "string", "description": "Todo text (add/update)."},
			"status":   map[string]any{"type": "string", "enum": []string{StatusPending, StatusInProgress, StatusCompleted}},
			"priority": map[string]any{"type": "string", "enum": []string{PriorityHigh, PriorityMedium, PriorityLow}},
		},
		"required": []string{"operation"},
	}
	b, _ := json.Marshal(schema)
	return b
}

type params struct {
	Operation string `json:"operation"`
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "Error: invalid parameters: " + err.Error(), IsError: true}, nil
	}
	if p.SessionID == "" {
		p.SessionID = "default"
	}

	items, err := t.load(ctx, p.SessionID)
	if err != nil {
		return &agent.ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}

	switch p.Operation {
	case "list":
		return &agent.ToolResult{Content: renderList(filterItems(items, p.Status, p.Priority))}, nil
	case "add":
		if p.Content == "" {
			return &agent.ToolResult{Content: "Error: Missing 'content' field for add operation", IsError: true}, nil
		}
		priority := p.Priority
		if priority == "" {
			priority = PriorityMedium
		}
		item := Item{ID: uuid.New().String(), Content: p.Content, Status: StatusPending, Priority: priority}
		items = append(items, item)
		if err := t.save(ctx, p.SessionID, items); err != nil {
			return &agent.ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Added todo #%s: %s", item.ID, item.Content)}, nil
	case "update":
		if p.ID == "" {
			return &agent.ToolResult{Content: "Error: Missing 'id' field for update operation", IsError: true}, nil
		}
		updated := false
		for i := range items {
			if items[i].ID != p.ID {
				continue
			}
			if p.Content != "" {
				items[i].Content = p.Content
			}
			if p.Status != "" {
				items[i].Status = p.Status
			}
			if p.Priority != "" {
				items[i].Priority = p.Priority
			}
			updated = true
			break
		}
		if !updated {
			return &agent.ToolResult{Content: fmt.Sprintf("Todo #%s not found", p.ID)}, nil
		}
		if err := t.save(ctx, p.SessionID, items); err != nil {
			return &agent.ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Updated todo #%s", p.ID)}, nil
	case "remove":
		if p.ID == "" {
			return &agent.ToolResult{Content: "Error: Missing 'id' field for remove operation", IsError: true}, nil
		}
		idx := -1
		for i := range items {
			if items[i].ID == p.ID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return &agent.ToolResult{Content: fmt.Sprintf("Todo #%s not found", p.ID)}, nil
		}
		removed := items[idx]
		items = append(items[:idx], items[idx+1:]...)
		if err := t.save(ctx, p.SessionID, items); err != nil {
			return &agent.ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Removed todo #%s: %s", removed.ID, removed.Content)}, nil
	case "clear":
		before := len(items)
		items = filterOutStatus(items, p.Status)
		if err := t.save(ctx, p.SessionID, items); err != nil {
			return &agent.ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Cleared %d todos", before-len(items))}, nil
	case "stats":
		return &agent.ToolResult{Content: renderStats(items)}, nil
	case "":
		return &agent.ToolResult{Content: "Error: Missing 'operation' field", IsError: true}, nil
	default:
		return &agent.ToolResult{Content: fmt.Sprintf("Error: Unknown operation '%s'", p.Operation), IsError: true}, nil
	}
}

func (t *Tool) load(ctx context.Context, sessionID string) ([]Item, error) {
	raw, err := t.store.GetTodos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("corrupt todo list: %w", err)
	}
	return items, nil
}

func (t *Tool) save(ctx context.Context, sessionID string, items []Item) error {
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return t.store.UpsertTodos(ctx, sessionID, string(b))
}

func filterItems(items []Item, status, priority string) []Item {
	if status == "" && priority == "" {
		return items
	}
	var out []Item
	for _, it := range items {
		if status != "" && it.Status != status {
			continue
		}
		if priority != "" && it.Priority != priority {
			continue
		}
		out = append(out, it)
	}
	return out
}

func filterOutStatus(items []Item, status string) []Item {
	if status == "" {
		return nil
	}
	var out []Item
	for _, it := range items {
		if it.Status != status {
			out = append(out, it)
		}
	}
	return out
}

func renderList(items []Item) string {
	if len(items) == 0 {
		return "No todos found matching the criteria"
	}
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if priorityRank[sorted[i].Priority] != priorityRank[sorted[j].Priority] {
			return priorityRank[sorted[i].Priority] < priorityRank[sorted[j].Priority]
		}
		return statusRank[sorted[i].Status] < statusRank[sorted[j].Status]
	})

	var b strings.Builder
	b.WriteString("**Todo List:**\n\n")
	var currentPriority string
	for _, it := range sorted {
		if it.Priority != currentPriority {
			currentPriority = it.Priority
			fmt.Fprintf(&b, "**%s Priority:**\n", strings.Title(currentPriority))
		}
		icon := "○"
		switch it.Status {
		case StatusInProgress:
			icon = "◐"
		case StatusCompleted:
			icon = "●"
		}
		fmt.Fprintf(&b, "  %s %s - %s\n", icon, it.ID, it.Content)
	}
	return b.String()
}

func renderStats(items []Item) string {
	var completed, inProgress, pending, high, medium, low int
	for _, it := range items {
		switch it.Status {
		case StatusCompleted:
			completed++
		case StatusInProgress:
			inProgress++
		case StatusPending:
			pending++
		}
		switch it.Priority {
		case PriorityHigh:
			high++
		case PriorityMedium:
			medium++
		case PriorityLow:
			low++
		}
	}
	return fmt.Sprintf(
		"**Todo Statistics:**\n\n**Total:** %d todos\n\n**By Status:**\n- Completed: %d\n- In Progress: %d\n- Pending: %d\n\n**By Priority:**\n- High: %d\n- Medium: %d\n- Low: %d",
		len(items), completed, inProgress, pending, high, medium, low,
	)
}
