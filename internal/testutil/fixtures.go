package testutil

import (
	"fmt"
	"time"

	"github.com/issuefs/issuefs/internal/tracker"
)

// BaseTime is the fixture epoch; issue timestamps offset from it.
var BaseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewIssue builds a minimal issue record with a plain-text description.
func NewIssue(key string, updated time.Time) *tracker.Issue {
	return &tracker.Issue{
		Key:       key,
		Summary:   fmt.Sprintf("Summary for %s", key),
		Status:    "In Progress",
		Type:      "Task",
		Priority:  "Medium",
		Assignee:  "dev@example.com",
		Reporter:  "pm@example.com",
		Labels:    []string{"backend"},
		CreatedAt: BaseTime,
		UpdatedAt: updated,
		Description: Doc(
			Paragraph(Text("Work item body for "+key)),
		),
	}
}

// WithComments returns the issue with n generated comments, oldest first.
func WithComments(issue *tracker.Issue, n int) *tracker.Issue {
	for i := 0; i < n; i++ {
		issue.Comments = append(issue.Comments, tracker.Comment{
			Author:    fmt.Sprintf("user%d@example.com", i%3),
			CreatedAt: BaseTime.Add(time.Duration(i) * time.Minute),
			Body:      Doc(Paragraph(Text(fmt.Sprintf("comment %d", i)))),
		})
	}
	return issue
}

// Rich-text node builders.

func Doc(content ...*tracker.RichText) *tracker.RichText {
	return &tracker.RichText{Type: "doc", Content: content}
}

func Paragraph(content ...*tracker.RichText) *tracker.RichText {
	return &tracker.RichText{Type: "paragraph", Content: content}
}

func Text(s string) *tracker.RichText {
	return &tracker.RichText{Type: "text", Text: s}
}

func Link(label, href string) *tracker.RichText {
	node := &tracker.RichText{Type: "link", Attrs: map[string]any{"href": href}}
	if label != "" {
		node.Content = []*tracker.RichText{Text(label)}
	}
	return node
}

func Mention(name string) *tracker.RichText {
	return &tracker.RichText{Type: "mention", Attrs: map[string]any{"name": name}}
}

func HardBreak() *tracker.RichText {
	return &tracker.RichText{Type: "hardBreak"}
}

func TaskList(items ...*tracker.RichText) *tracker.RichText {
	return &tracker.RichText{Type: "taskList", Content: items}
}

func TaskItem(checked bool, text string) *tracker.RichText {
	return &tracker.RichText{
		Type:    "taskItem",
		Attrs:   map[string]any{"checked": checked},
		Content: []*tracker.RichText{Text(text)},
	}
}

func CodeBlock(language, text string) *tracker.RichText {
	return &tracker.RichText{
		Type:    "codeBlock",
		Attrs:   map[string]any{"language": language},
		Content: []*tracker.RichText{Text(text)},
	}
}
