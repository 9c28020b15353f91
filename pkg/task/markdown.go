package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
)

var mdLog = obslog.For("taskstore")

const timeLayout = time.RFC3339

// sectionHeader is the "## Name" prefix used throughout the file.
const sectionHeaderPrefix = "## "

// splitSections breaks a markdown document into an ordered list of
// (name, body) pairs, one per "## Name" header. Unknown headers are kept in
// the list (and simply ignored by Parse) so round-tripping never needs to
// special-case them away.
func splitSections(doc string) []section {
	var sections []section
	lines := strings.Split(doc, "\n")

	var current *section
	for _, line := range lines {
		if strings.HasPrefix(line, sectionHeaderPrefix) {
			if current != nil {
				sections = append(sections, *current)
			}
			name := strings.TrimSpace(strings.TrimPrefix(line, sectionHeaderPrefix))
			current = &section{name: name}
			continue
		}
		if current != nil {
			current.lines = append(current.lines, line)
		}
	}
	if current != nil {
		sections = append(sections, *current)
	}
	return sections
}

type section struct {
	name  string
	lines []string
}

func (s section) body() string {
	return strings.TrimSpace(strings.Join(s.lines, "\n"))
}

// Parse decodes a markdown task file. It returns (nil, nil) — not an error —
// when a required field is missing, matching the spec's "whole file
// rejected, caller sees task not found" handling; malformed JSON blobs only
// drop the one section, not the whole file.
func Parse(id string, doc string) (*Task, error) {
	sections := splitSections(doc)
	byName := make(map[string]section, len(sections))
	for _, s := range sections {
		byName[s.name] = s
	}

	meta := parseMetadata(byName["Metadata"].body())

	t := &Task{
		ID:          id,
		Description: byName["Description"].body(),
		Context:     byName["Context"].body(),
	}

	if t.Description == "" {
		mdLog.Warn("rejecting task file: missing description", "id", id)
		return nil, nil
	}

	created, ok := meta["created"]
	if !ok || created == "" {
		mdLog.Warn("rejecting task file: missing created", "id", id)
		return nil, nil
	}
	createdAt, err := time.Parse(timeLayout, created)
	if err != nil {
		mdLog.Warn("rejecting task file: unparseable created", "id", id, "error", err)
		return nil, nil
	}
	t.Created = createdAt

	t.Status = Status(meta["status"])
	t.Priority = Priority(meta["priority"])
	t.Source = meta["source"]
	t.WorkSessionID = meta["workSessionId"]
	t.PreviousWorkSessionID = meta["previousWorkSessionId"]

	if la := byName["Last Activity"].body(); la != "" {
		if parsed, err := time.Parse(timeLayout, la); err == nil {
			t.LastActivity = parsed
		}
	}
	if t.LastActivity.IsZero() {
		t.LastActivity = t.Created
	}

	t.Progress = parseProgress(byName["Progress"].body())
	t.Steps = parseSteps(byName["Steps"].body())

	t.Blocking = decodeJSONSection[BlockingState](id, "Blocking", byName)
	t.Backlog = decodeJSONSection[BacklogState](id, "Backlog", byName)
	t.Outcome = decodeJSONSection[Outcome](id, "Outcome", byName)

	if delSection, ok := byName["Delegations"]; ok {
		var payload struct {
			Delegations []Delegation      `json:"delegations"`
			Events      []DelegationEvent `json:"events"`
		}
		if body := delSection.body(); body != "" {
			if err := json.Unmarshal([]byte(stripFence(body)), &payload); err != nil {
				mdLog.Warn("dropping malformed section", "id", id, "section", "Delegations", "error", err)
			} else {
				t.Delegations = payload.Delegations
				t.DelegationEvents = payload.Events
			}
		}
	}

	return t, nil
}

func decodeJSONSection[T any](id, name string, byName map[string]section) *T {
	s, ok := byName[name]
	if !ok {
		return nil
	}
	body := s.body()
	if body == "" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(stripFence(body)), &v); err != nil {
		mdLog.Warn("dropping malformed section", "id", id, "section", name, "error", err)
		return nil
	}
	return &v
}

func stripFence(body string) string {
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

func parseMetadata(body string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out
}

func parseProgress(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// parseSteps decodes lines of the form "id|status|order|content".
func parseSteps(body string) []Step {
	var steps []Step
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		order, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		steps = append(steps, Step{
			ID:      parts[0],
			Status:  StepStatus(parts[1]),
			Order:   order,
			Content: parts[3],
		})
	}
	return steps
}

// Format serializes a Task back to markdown. Parse(Format(t)) must preserve
// every non-derived field.
func Format(t *Task) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder

	fmt.Fprintf(&b, "## Metadata\n")
	fmt.Fprintf(&b, "status: %s\n", t.Status)
	fmt.Fprintf(&b, "priority: %s\n", t.Priority)
	fmt.Fprintf(&b, "created: %s\n", t.Created.Format(timeLayout))
	if t.Source != "" {
		fmt.Fprintf(&b, "source: %s\n", t.Source)
	}
	if t.WorkSessionID != "" {
		fmt.Fprintf(&b, "workSessionId: %s\n", t.WorkSessionID)
	}
	if t.PreviousWorkSessionID != "" {
		fmt.Fprintf(&b, "previousWorkSessionId: %s\n", t.PreviousWorkSessionID)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Description\n%s\n\n", t.Description)
	if t.Context != "" {
		fmt.Fprintf(&b, "## Context\n%s\n\n", t.Context)
	}

	if len(t.Steps) > 0 {
		b.WriteString("## Steps\n")
		for _, s := range t.Steps {
			fmt.Fprintf(&b, "%s|%s|%d|%s\n", s.ID, s.Status, s.Order, s.Content)
		}
		b.WriteString("\n")
	}

	if len(t.Progress) > 0 {
		b.WriteString("## Progress\n")
		for _, p := range t.Progress {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	la := t.LastActivity
	if la.IsZero() {
		la = t.Created
	}
	fmt.Fprintf(&b, "## Last Activity\n%s\n\n", la.Format(timeLayout))

	writeJSONSection(&b, "Blocking", t.Blocking)
	writeJSONSection(&b, "Backlog", t.Backlog)
	writeJSONSection(&b, "Outcome", t.Outcome)

	if len(t.Delegations) > 0 || len(t.DelegationEvents) > 0 {
		payload := struct {
			Delegations []Delegation      `json:"delegations"`
			Events      []DelegationEvent `json:"events"`
		}{t.Delegations, t.DelegationEvents}
		writeJSONSection(&b, "Delegations", &payload)
	}

	return b.String()
}

func writeJSONSection[T any](b *strings.Builder, name string, v *T) {
	if v == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		mdLog.Error("failed to marshal section", "section", name, "error", err)
		return
	}
	fmt.Fprintf(b, "## %s\n```json\n%s\n```\n\n", name, string(data))
}
