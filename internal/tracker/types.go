package tracker

import "time"

// IssueRef is the minimal listing reference returned by a search.
type IssueRef struct {
	Key     string    `json:"key"`
	Updated time.Time `json:"updated"`
}

// SearchPage is one page of a paginated search.
type SearchPage struct {
	Issues     []IssueRef `json:"issues"`
	NextCursor string     `json:"next_cursor"`
	HasMore    bool       `json:"has_more"`
}

// Links holds issue-to-issue relations.
type Links struct {
	Blocks    []string `json:"blocks,omitempty"`
	BlockedBy []string `json:"blocked_by,omitempty"`
	RelatesTo []string `json:"relates_to,omitempty"`
}

// Issue is the full structured record for one issue.
type Issue struct {
	Key         string       `json:"key"`
	Summary     string       `json:"summary"`
	Status      string       `json:"status"`
	Type        string       `json:"type"`
	Priority    string       `json:"priority"`
	Assignee    string       `json:"assignee"`
	Reporter    string       `json:"reporter"`
	Labels      []string     `json:"labels,omitempty"`
	Parent      string       `json:"parent,omitempty"`
	Epic        string       `json:"epic,omitempty"`
	Links       Links        `json:"links"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DueAt       *time.Time   `json:"due_at,omitempty"`
	Version     string       `json:"version,omitempty"`
	SourceURL   string       `json:"source_url,omitempty"`
	Description *RichText    `json:"description,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Comment is one comment on an issue.
type Comment struct {
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Body      *RichText `json:"body,omitempty"`
}

// Attachment is a file reference on an issue.
type Attachment struct {
	Filename string `json:"filename"`
	ID       string `json:"id"`
}

// RichText is one node of the tracker's rich-text document tree.
//
// Node types seen in the wild: doc, paragraph, text, link, mention,
// hardBreak, bulletList, orderedList, listItem, taskList, taskItem,
// codeBlock, heading. Unknown types render their children.
type RichText struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Content []*RichText    `json:"content,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Attr returns a string attribute, or "" when absent or not a string.
func (n *RichText) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	if s, ok := n.Attrs[name].(string); ok {
		return s
	}
	return ""
}

// BoolAttr returns a boolean attribute, false when absent.
func (n *RichText) BoolAttr(name string) bool {
	if n == nil || n.Attrs == nil {
		return false
	}
	b, _ := n.Attrs[name].(bool)
	return b
}
