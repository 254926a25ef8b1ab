package docstore

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"taskgate/internal/domain"
)

const frontMatterDelim = "---"

// Render writes t as a Markdown document. The YAML front matter is the
// authoritative record; the sections below it are regenerated on every write
// for people reading the file.
func Render(t domain.Task) ([]byte, error) {
	meta, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(frontMatterDelim + "\n")
	b.Write(meta)
	b.WriteString(frontMatterDelim + "\n\n")
	fmt.Fprintf(&b, "# %s\n\n", t.Title)

	field := func(name, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(&b, "- **%s:** %s\n", name, value)
	}
	field("Status", string(t.Status))
	field("Priority", string(t.Priority))
	field("Actor", string(t.Assignee))
	field("Classification", string(t.Classification))
	b.WriteString("\n")

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, strings.TrimSpace(body))
	}
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		var lines []string
		for _, it := range items {
			lines = append(lines, "- "+it)
		}
		section(title, strings.Join(lines, "\n"))
	}
	checklist := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		done := t.Status == domain.StatusCompleted
		var lines []string
		for _, it := range items {
			mark := " "
			if done {
				mark = "x"
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s", mark, it))
		}
		section(title, strings.Join(lines, "\n"))
	}

	section("Goal", t.Goal)
	section("Overview", t.Overview)
	checklist("Acceptance Criteria", t.AcceptanceCriteria)
	checklist("Definition of Ready", t.DefinitionOfReady)
	checklist("Definition of Done", t.DefinitionOfDone)
	list("Files Affected", t.FilesAffected)
	list("Dependencies", t.DependsOn)
	section("Implementation Notes", t.ImplementationNotes)

	if len(t.Feedback) > 0 {
		open := map[int]bool{}
		for _, f := range t.OutstandingFeedback() {
			open[f.Seq] = true
		}
		var lines []string
		for _, f := range t.Feedback {
			tag := string(f.Kind)
			switch {
			case f.Kind == domain.FeedbackResolution:
				tag = fmt.Sprintf("resolves #%d", f.Resolves)
			case open[f.Seq]:
				tag += ", open"
			}
			author := f.Author
			if author == "" {
				author = "unknown"
			}
			lines = append(lines, fmt.Sprintf("%d. [%s] %s (%s, %s)", f.Seq, tag, f.Text, author, f.At))
		}
		section("Review Feedback", strings.Join(lines, "\n"))
	}
	if len(t.Errors) > 0 {
		var lines []string
		for _, e := range t.Errors {
			lines = append(lines, fmt.Sprintf("%d. `%s` %s (%s)", e.Seq, e.Kind, e.Detail, e.At))
		}
		section("Error Context", strings.Join(lines, "\n"))
	}
	if !t.Ref.IsZero() {
		var lines []string
		if t.Ref.Branch != "" {
			lines = append(lines, "- Branch: "+t.Ref.Branch)
		}
		if t.Ref.Commit != "" {
			lines = append(lines, "- Commit: "+t.Ref.Commit)
		}
		if t.Ref.ReviewRequest != "" {
			lines = append(lines, "- Review request: "+t.Ref.ReviewRequest)
		}
		section("External References", strings.Join(lines, "\n"))
	}
	return bytes.TrimRight(b.Bytes(), "\n"), nil
}

// Parse reads the front matter of a task document.
func Parse(data []byte) (domain.Task, error) {
	var t domain.Task
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return t, fmt.Errorf("missing front matter")
	}
	rest := text[len(frontMatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelim+"\n")
	if end < 0 {
		if !strings.HasSuffix(rest, "\n"+frontMatterDelim) {
			return t, fmt.Errorf("unterminated front matter")
		}
		end = len(rest) - len(frontMatterDelim) - 1
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &t); err != nil {
		return t, fmt.Errorf("parse front matter: %w", err)
	}
	if t.ID == "" {
		return t, fmt.Errorf("front matter has no id")
	}
	return t, nil
}
