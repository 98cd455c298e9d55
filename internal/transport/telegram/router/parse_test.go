package router

import (
	"errors"
	"testing"
	"time"

	"remindbot/internal/tasks"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in, word, rest string
		ok             bool
	}{
		{"/tasks", "tasks", "", true},
		{"/AddTask@RemindBot Buy milk 2023-01-01 15:30", "addtask", "Buy milk 2023-01-01 15:30", true},
		{"  /task   7 ", "task", "7", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, c := range cases {
		w, r, ok := splitCommand(c.in)
		if w != c.word || r != c.rest || ok != c.ok {
			t.Fatalf("splitCommand(%q) = %q, %q, %v", c.in, w, r, ok)
		}
	}
}

func TestParseAddTask(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	name, d, err := parseAddTask("Buy groceries 2023-01-01 15:30", loc)
	if err != nil {
		t.Fatal(err)
	}
	if name != "Buy groceries" || !d.Equal(time.Date(2023, 1, 1, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("got %q %v", name, d)
	}

	name, _, err = parseAddTask("Pay rent | 2023-02-01 09:00", loc)
	if err != nil || name != "Pay rent" {
		t.Fatalf("pipe form: %q %v", name, err)
	}

	for _, bad := range []string{"", "2023-01-01 15:30", "Buy groceries"} {
		if _, _, err := parseAddTask(bad, loc); !errors.Is(err, errAddUsage) && !errors.Is(err, errBadDeadline) {
			t.Fatalf("%q: expected usage error, got %v", bad, err)
		}
	}
	if _, _, err := parseAddTask("Buy groceries 2023-13-01 15:30", loc); !errors.Is(err, errBadDeadline) {
		t.Fatalf("expected errBadDeadline, got %v", err)
	}
}

func TestParseUpdateTask(t *testing.T) {
	loc := time.UTC
	deadline := time.Date(2023, 1, 1, 15, 30, 0, 0, time.UTC)

	cases := []struct {
		in       string
		id       int64
		name     string
		deadline *time.Time
		err      error
	}{
		{in: "1 Buy groceries 2023-01-01 15:30", id: 1, name: "Buy groceries", deadline: &deadline},
		{in: "2 Buy bread", id: 2, name: "Buy bread"},
		{in: "3 2023-01-01 15:30", id: 3, deadline: &deadline},
		{in: "4 - | 2023-01-01 15:30", id: 4, deadline: &deadline},
		{in: "5 New name | -", id: 5, name: "New name"},
		{in: "x Buy", err: errBadID},
		{in: "6", err: errUpdateUsage},
		{in: "7 - | -", err: errUpdateUsage},
		{in: "8 Name | 2023-01-01", err: errBadDeadline},
	}
	for _, c := range cases {
		id, p, err := parseUpdateTask(c.in, loc)
		if c.err != nil {
			if !errors.Is(err, c.err) {
				t.Fatalf("%q: expected %v, got %v", c.in, c.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", c.in, err)
		}
		if id != c.id {
			t.Fatalf("%q: id %d", c.in, id)
		}
		if c.name == "" && p.Name != nil || c.name != "" && (p.Name == nil || *p.Name != c.name) {
			t.Fatalf("%q: name %v", c.in, p.Name)
		}
		if c.deadline == nil && p.Deadline != nil || c.deadline != nil && (p.Deadline == nil || !p.Deadline.Equal(*c.deadline)) {
			t.Fatalf("%q: deadline %v", c.in, p.Deadline)
		}
	}
}

func TestFormatTask(t *testing.T) {
	task := tasks.Task{ID: 3, Name: "Buy groceries", Deadline: time.Date(2023, 1, 1, 15, 30, 0, 0, time.UTC), Finished: true}
	if got := FormatTask(task, nil, false); got != "ID: 3 - Buy groceries - Deadline: 2023-01-01 15:30" {
		t.Fatalf("got %q", got)
	}
	if got := FormatTask(task, time.FixedZone("x", 3600), true); got != "ID: 3 - Buy groceries - Deadline: 2023-01-01 16:30 ✅" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	cases := map[string]string{
		"update_task": "update_task",
		"Add-Task":    "add_task",
		"  x  y ":     "x_y",
		"9lives":      "cmd_9lives",
		"!!":          "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
