package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/tasks"
)

// DeadlineLayout is the deadline format accepted and shown by the bot.
const DeadlineLayout = "2006-01-02 15:04"

// replyError is shown to the user verbatim.
type replyError string

func (e replyError) Error() string { return string(e) }

const (
	errAddUsage    replyError = "Please provide both task description and date with time. Example: /addtask Buy groceries 2023-01-01 15:30"
	errUpdateUsage replyError = "Please provide task ID, new description and/or new deadline. Example: /update_task 1 Buy groceries 2023-01-01 15:30"
	errBadID       replyError = "Invalid task ID. Please provide a valid numeric task ID."
	errBadDeadline replyError = "Invalid date format. Please use YYYY-MM-DD HH:MM, e.g. 2023-01-01 15:30"
	errNoTask      replyError = "No task found."
)

func newReqID() string {
	return uuid.NewString()[:8]
}

// splitCommand returns the command word (lowercased, without "/" and bot
// mention) and the raw text after it.
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word = text[1:]
	if i := strings.IndexFunc(word, isSpace); i >= 0 {
		rest = strings.TrimSpace(word[i:])
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, rest, word != ""
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

func parseDeadline(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DeadlineLayout, strings.Join(strings.Fields(s), " "), loc)
	if err != nil {
		return time.Time{}, errBadDeadline
	}
	return t, nil
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}

// parseAddTask accepts "<name> <YYYY-MM-DD HH:MM>" or "<name> | <YYYY-MM-DD HH:MM>".
func parseAddTask(text string, loc *time.Location) (string, time.Time, error) {
	name, date, ok := splitNameDate(text)
	if !ok || name == "" || date == "" {
		return "", time.Time{}, errAddUsage
	}
	d, err := parseDeadline(date, loc)
	if err != nil {
		return "", time.Time{}, err
	}
	return name, d, nil
}

// parseUpdateTask accepts "<id> <name> <YYYY-MM-DD HH:MM>", "<id> <name>",
// "<id> <YYYY-MM-DD HH:MM>" or "<id> <name|-> | <date|->".
func parseUpdateTask(text string, loc *time.Location) (int64, tasks.Patch, error) {
	text = strings.TrimSpace(text)
	i := strings.IndexFunc(text, isSpace)
	if i < 0 {
		return 0, tasks.Patch{}, errUpdateUsage
	}
	id, err := parseTaskID(text[:i])
	if err != nil {
		return 0, tasks.Patch{}, err
	}
	rest := strings.TrimSpace(text[i:])

	var name, date string
	if strings.Contains(rest, "|") {
		name, date, _ = splitNameDate(rest)
	} else if n, d, ok := splitNameDate(rest); ok {
		if _, err := parseDeadline(d, loc); err == nil {
			name, date = n, d
		} else {
			name = rest
		}
	} else if _, err := parseDeadline(rest, loc); err == nil {
		date = rest
	} else {
		name = rest
	}

	var p tasks.Patch
	if name != "" && name != "-" {
		p.Name = &name
	}
	if date != "" && date != "-" {
		d, err := parseDeadline(date, loc)
		if err != nil {
			return 0, tasks.Patch{}, err
		}
		p.Deadline = &d
	}
	if p.Name == nil && p.Deadline == nil {
		return 0, tasks.Patch{}, errUpdateUsage
	}
	return id, p, nil
}

// splitNameDate splits on the last "|" if present, else takes the last two
// words as the date.
func splitNameDate(text string) (name, date string, ok bool) {
	if i := strings.LastIndex(text, "|"); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:]), true
	}
	f := strings.Fields(text)
	if len(f) < 2 {
		return "", "", false
	}
	return strings.Join(f[:len(f)-2], " "), f[len(f)-2] + " " + f[len(f)-1], true
}

// FormatTask renders one task line in the bot's list format.
func FormatTask(t tasks.Task, loc *time.Location, withStatus bool) string {
	if loc == nil {
		loc = time.UTC
	}
	s := fmt.Sprintf("ID: %d - %s - Deadline: %s", t.ID, t.Name, t.Deadline.In(loc).Format(DeadlineLayout))
	if withStatus {
		if t.Finished {
			s += " ✅"
		} else {
			s += " ❌"
		}
	}
	return s
}
