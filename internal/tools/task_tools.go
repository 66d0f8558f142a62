package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lacehq/lace/internal/store"
	"github.com/lacehq/lace/internal/tasks"
)

// TaskTools builds the task-ledger tool set bound to one service. Every
// tool scopes itself to the calling agent's session via the invocation
// context.
func TaskTools(svc *tasks.Service) []Tool {
	return []Tool{
		&TaskAddTool{svc: svc},
		&TaskListTool{svc: svc},
		&TaskUpdateTool{svc: svc},
		&TaskAddNoteTool{svc: svc},
	}
}

// TaskAddTool creates a task, optionally assigned to an existing agent
// or a "new:provider/model" spawn spec.
type TaskAddTool struct {
	svc *tasks.Service
}

func (t *TaskAddTool) Name() string { return "task_add" }

func (t *TaskAddTool) Description() string {
	return "Create a task in the shared ledger. Assign it to an agent by name, or to 'new:<provider>/<model>' to spawn a fresh agent for it."
}

func (t *TaskAddTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string", "description": "Short task title"},
			"description": map[string]any{"type": "string", "description": "Human-facing context"},
			"prompt":      map[string]any{"type": "string", "description": "Instructions for the agent that picks this up"},
			"priority":    map[string]any{"type": "string", "enum": []any{"high", "medium", "low"}},
			"assigned_to": map[string]any{"type": "string", "description": "Agent name or new:<provider>/<model>"},
		},
		"required": []any{"title"},
	}
}

func (t *TaskAddTool) Execute(ctx context.Context, args map[string]any) *Result {
	inv := InvocationFrom(ctx)
	task, err := t.svc.Create(ctx, tasks.CreateParams{
		Title:       stringArg(args, "title"),
		Description: stringArg(args, "description"),
		Prompt:      stringArg(args, "prompt"),
		Priority:    store.TaskPriority(stringArg(args, "priority")),
		AssignedTo:  stringArg(args, "assigned_to"),
		CreatedBy:   inv.AgentName,
		SessionID:   inv.SessionID,
	})
	if err != nil {
		return Errorf(CategoryValidation, "task_add: %v", err)
	}
	return NewResult(fmt.Sprintf("created task %s (%s, %s)", task.ID, task.Status, task.Priority)).
		WithMetadata("task_id", task.ID).
		WithMetadata("assigned_to", task.AssignedTo)
}

// TaskListTool lists session tasks, optionally narrowed to the caller.
type TaskListTool struct {
	svc *tasks.Service
}

func (t *TaskListTool) Name() string { return "task_list" }

func (t *TaskListTool) Description() string {
	return "List tasks in this session. Set mine=true to see only tasks assigned to you."
}

func (t *TaskListTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mine": map[string]any{"type": "boolean", "description": "Only tasks assigned to the calling agent"},
		},
	}
}

func (t *TaskListTool) Execute(ctx context.Context, args map[string]any) *Result {
	inv := InvocationFrom(ctx)

	var (
		list []*store.Task
		err  error
	)
	if mine, _ := args["mine"].(bool); mine {
		list, err = t.svc.ListMine(ctx, inv.AgentName)
	} else {
		list, err = t.svc.ListSession(ctx, inv.SessionID)
	}
	if err != nil {
		return Errorf(CategoryUnknown, "task_list: %v", err)
	}
	if len(list) == 0 {
		return NewResult("no tasks")
	}

	var b strings.Builder
	for _, task := range list {
		assignee := task.AssignedTo
		if assignee == "" {
			assignee = "unassigned"
		}
		fmt.Fprintf(&b, "%s [%s/%s] %s (-> %s)\n", task.ID, task.Status, task.Priority, task.Title, assignee)
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// TaskUpdateTool moves a task through its status machine or reassigns it.
type TaskUpdateTool struct {
	svc *tasks.Service
}

func (t *TaskUpdateTool) Name() string { return "task_update" }

func (t *TaskUpdateTool) Description() string {
	return "Update a task's status (pending, in_progress, completed, blocked) or its assignee."
}

func (t *TaskUpdateTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id":     map[string]any{"type": "string"},
			"status":      map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed", "blocked"}},
			"assigned_to": map[string]any{"type": "string", "description": "Agent name or new:<provider>/<model>"},
		},
		"required": []any{"task_id"},
	}
}

func (t *TaskUpdateTool) Execute(ctx context.Context, args map[string]any) *Result {
	id := stringArg(args, "task_id")
	status := stringArg(args, "status")
	assignee, reassign := args["assigned_to"].(string)
	if status == "" && !reassign {
		return Errorf(CategoryValidation, "task_update: provide status or assigned_to")
	}

	var task *store.Task
	var err error
	if status != "" {
		task, err = t.svc.UpdateStatus(ctx, id, store.TaskStatus(status))
		if err != nil {
			return Errorf(CategoryValidation, "task_update: %v", err)
		}
	}
	if reassign {
		task, err = t.svc.Assign(ctx, id, assignee)
		if err != nil {
			return Errorf(CategoryValidation, "task_update: %v", err)
		}
	}
	out, _ := json.Marshal(map[string]any{
		"task_id": task.ID, "status": task.Status, "assigned_to": task.AssignedTo,
	})
	return NewResult(string(out))
}

// TaskAddNoteTool appends a note under the calling agent's name.
type TaskAddNoteTool struct {
	svc *tasks.Service
}

func (t *TaskAddNoteTool) Name() string { return "task_add_note" }

func (t *TaskAddNoteTool) Description() string {
	return "Append a progress note to a task. Notes are append-only and ordered."
}

func (t *TaskAddNoteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"task_id", "content"},
	}
}

func (t *TaskAddNoteTool) Execute(ctx context.Context, args map[string]any) *Result {
	inv := InvocationFrom(ctx)
	note, err := t.svc.AddNote(ctx, stringArg(args, "task_id"), inv.AgentName, stringArg(args, "content"))
	if err != nil {
		return Errorf(CategoryValidation, "task_add_note: %v", err)
	}
	return NewResult("note " + note.ID + " added")
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
