// Package render transforms a structured issue record into canonical
// markdown. Rendering is a pure function: for a fixed issue record the
// output is byte-exact stable across invocations.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/issuefs/issuefs/internal/tracker"
)

// DefaultCommentsInlineLimit is the number of latest comments rendered
// inline before the remainder overflows to the sidecar.
const DefaultCommentsInlineLimit = 20

type Options struct {
	// CommentsInlineLimit caps the comments rendered in the main document.
	// Zero means DefaultCommentsInlineLimit.
	CommentsInlineLimit int
}

// Artifact holds the rendered bytes for one issue. Sidecar is nil when all
// comments fit inline.
type Artifact struct {
	Main    []byte
	Sidecar []byte
}

// frontmatter field order is fixed; yaml.Marshal of a struct preserves
// declaration order, which keeps output deterministic.
type frontmatter struct {
	ID        string   `yaml:"id"`
	Project   string   `yaml:"project"`
	Type      string   `yaml:"type"`
	Status    string   `yaml:"status"`
	Priority  string   `yaml:"priority"`
	Assignee  string   `yaml:"assignee"`
	Reporter  string   `yaml:"reporter"`
	Labels    []string `yaml:"labels"`
	CreatedAt string   `yaml:"created_at"`
	UpdatedAt string   `yaml:"updated_at"`
	Parent    string   `yaml:"parent,omitempty"`
	Epic      string   `yaml:"epic,omitempty"`
	Blocks    []string `yaml:"blocks,omitempty"`
	BlockedBy []string `yaml:"blocked_by,omitempty"`
	RelatesTo []string `yaml:"relates_to,omitempty"`
	DueAt     string   `yaml:"due_at,omitempty"`
	Version   string   `yaml:"version,omitempty"`
	SourceURL string   `yaml:"source_url,omitempty"`
}

// Render produces the main markdown artifact and, when the comment count
// exceeds the inline limit, a sidecar with the full comment history.
func Render(issue *tracker.Issue, opts Options) (*Artifact, error) {
	if issue == nil {
		return nil, fmt.Errorf("render: nil issue")
	}
	limit := opts.CommentsInlineLimit
	if limit == 0 {
		limit = DefaultCommentsInlineLimit
	}

	var buf bytes.Buffer

	if err := writeFrontmatter(&buf, issue); err != nil {
		return nil, err
	}

	if s := strings.TrimSpace(issue.Summary); s != "" {
		buf.WriteString("## Summary\n\n")
		buf.WriteString(s)
		buf.WriteString("\n")
	}

	criteria, evidence, body := splitDescription(issue.Description)

	if len(criteria) > 0 {
		buf.WriteString("\n## Acceptance Criteria\n\n")
		for _, c := range criteria {
			box := "[ ]"
			if c.checked {
				box = "[x]"
			}
			fmt.Fprintf(&buf, "- %s %s\n", box, c.text)
		}
	}

	if body != "" {
		buf.WriteString("\n## Implementation Notes\n\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}

	if len(evidence) > 0 {
		buf.WriteString("\n## Test Evidence\n\n")
		for _, block := range evidence {
			buf.WriteString(block)
			if !strings.HasSuffix(block, "\n") {
				buf.WriteString("\n")
			}
		}
	}

	var sidecar []byte
	if len(issue.Comments) > 0 {
		buf.WriteString("\n")
		overflow := writeComments(&buf, issue.Key, issue.Comments, limit)
		if overflow {
			var sc bytes.Buffer
			writeComments(&sc, issue.Key, issue.Comments, 0)
			sidecar = Redact(sc.Bytes())
		}
	}

	if len(issue.Attachments) > 0 {
		buf.WriteString("\n## Attachments\n\n")
		for _, a := range issue.Attachments {
			fmt.Fprintf(&buf, "- attachment: %s (%s)\n", a.Filename, a.ID)
		}
	}

	return &Artifact{Main: Redact(buf.Bytes()), Sidecar: sidecar}, nil
}

func writeFrontmatter(buf *bytes.Buffer, issue *tracker.Issue) error {
	fm := frontmatter{
		ID:        issue.Key,
		Project:   projectOf(issue.Key),
		Type:      issue.Type,
		Status:    issue.Status,
		Priority:  issue.Priority,
		Assignee:  issue.Assignee,
		Reporter:  issue.Reporter,
		Labels:    issue.Labels,
		CreatedAt: issue.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: issue.UpdatedAt.UTC().Format(time.RFC3339),
		Parent:    issue.Parent,
		Epic:      issue.Epic,
		Blocks:    issue.Links.Blocks,
		BlockedBy: issue.Links.BlockedBy,
		RelatesTo: issue.Links.RelatesTo,
		Version:   issue.Version,
		SourceURL: issue.SourceURL,
	}
	if fm.Labels == nil {
		fm.Labels = []string{}
	}
	if issue.DueAt != nil {
		fm.DueAt = issue.DueAt.UTC().Format(time.RFC3339)
	}

	data, err := yaml.Marshal(&fm)
	if err != nil {
		return fmt.Errorf("marshal frontmatter: %w", err)
	}

	buf.WriteString("---\n")
	buf.Write(data)
	buf.WriteString("---\n\n")
	return nil
}

// projectOf derives the project key from an issue key ("PROJ-12" -> "PROJ").
func projectOf(key string) string {
	if i := strings.LastIndex(key, "-"); i > 0 {
		return key[:i]
	}
	return key
}

// writeComments renders a "## Comments" section in chronological order.
// limit == 0 renders every comment. Returns whether comments overflowed.
func writeComments(buf *bytes.Buffer, key string, comments []tracker.Comment, limit int) bool {
	buf.WriteString("## Comments\n")

	overflow := limit > 0 && len(comments) > limit
	shown := comments
	if overflow {
		shown = comments[len(comments)-limit:]
		fmt.Fprintf(buf, "\nSee %s.comments.md for full comment history.\n", key)
	}

	for _, c := range shown {
		fmt.Fprintf(buf, "\n### %s (%s)\n\n", c.Author, c.CreatedAt.UTC().Format(time.RFC3339))
		body := strings.TrimRight(renderRichText(c.Body), "\n")
		if body != "" {
			buf.WriteString(body)
			buf.WriteString("\n")
		}
	}

	return overflow
}
