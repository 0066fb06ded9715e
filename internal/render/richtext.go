package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/issuefs/issuefs/internal/tracker"
)

// testEvidenceLanguage marks codeBlock nodes that carry structured test
// evidence rather than source code.
const testEvidenceLanguage = "test-evidence"

type criterion struct {
	text    string
	checked bool
}

// splitDescription walks a description tree and separates acceptance
// criteria (explicit taskList nodes) and test-evidence blocks from the
// remaining body. Extracted nodes do not reappear in the body, so each
// criterion is emitted exactly once.
func splitDescription(doc *tracker.RichText) (criteria []criterion, evidence []string, body string) {
	if doc == nil {
		return nil, nil, ""
	}

	var kept []*tracker.RichText
	for _, node := range doc.Content {
		switch {
		case node.Type == "taskList":
			for _, item := range node.Content {
				if item.Type != "taskItem" {
					continue
				}
				criteria = append(criteria, criterion{
					text:    strings.TrimSpace(inlineText(item)),
					checked: item.BoolAttr("checked"),
				})
			}
		case node.Type == "codeBlock" && node.Attr("language") == testEvidenceLanguage:
			evidence = append(evidence, nodeText(node))
		default:
			kept = append(kept, node)
		}
	}

	stripped := &tracker.RichText{Type: doc.Type, Content: kept}
	body = strings.TrimRight(renderRichText(stripped), "\n")
	return criteria, evidence, body
}

// renderRichText converts a rich-text tree to markdown. Node tags never leak
// into the output; unknown node types render their children.
func renderRichText(node *tracker.RichText) string {
	if node == nil {
		return ""
	}
	var buf bytes.Buffer
	renderBlocks(&buf, node.Content, "")
	if node.Type == "text" || node.Type == "link" || node.Type == "mention" {
		// A bare inline node with no block wrapper.
		return inlineNode(node)
	}
	return buf.String()
}

func renderBlocks(buf *bytes.Buffer, nodes []*tracker.RichText, indent string) {
	for _, node := range nodes {
		switch node.Type {
		case "paragraph":
			text := inlineText(node)
			if text != "" {
				buf.WriteString(indent)
				buf.WriteString(text)
			}
			buf.WriteString("\n\n")
		case "heading":
			level := 1
			if l, ok := node.Attrs["level"].(float64); ok && l >= 1 && l <= 6 {
				level = int(l)
			} else if l, ok := node.Attrs["level"].(int); ok && l >= 1 && l <= 6 {
				level = l
			}
			buf.WriteString(strings.Repeat("#", level))
			buf.WriteString(" ")
			buf.WriteString(inlineText(node))
			buf.WriteString("\n\n")
		case "bulletList":
			renderList(buf, node, indent, func(int) string { return "- " })
			buf.WriteString("\n")
		case "orderedList":
			renderList(buf, node, indent, func(i int) string { return fmt.Sprintf("%d. ", i+1) })
			buf.WriteString("\n")
		case "codeBlock":
			lang := node.Attr("language")
			buf.WriteString("```")
			buf.WriteString(lang)
			buf.WriteString("\n")
			buf.WriteString(nodeText(node))
			if !strings.HasSuffix(nodeText(node), "\n") {
				buf.WriteString("\n")
			}
			buf.WriteString("```\n\n")
		case "taskList":
			for _, item := range node.Content {
				if item.Type != "taskItem" {
					continue
				}
				box := "[ ]"
				if item.BoolAttr("checked") {
					box = "[x]"
				}
				fmt.Fprintf(buf, "%s- %s %s\n", indent, box, strings.TrimSpace(inlineText(item)))
			}
			buf.WriteString("\n")
		default:
			renderBlocks(buf, node.Content, indent)
		}
	}
}

func renderList(buf *bytes.Buffer, list *tracker.RichText, indent string, marker func(int) string) {
	for i, item := range list.Content {
		if item.Type != "listItem" {
			continue
		}
		buf.WriteString(indent)
		buf.WriteString(marker(i))
		buf.WriteString(strings.TrimSpace(inlineText(item)))
		buf.WriteString("\n")
	}
}

// inlineText flattens a node's children to inline markdown. Hard breaks
// become paragraph spacing.
func inlineText(node *tracker.RichText) string {
	var parts []string
	var current bytes.Buffer
	for _, child := range node.Content {
		if child.Type == "hardBreak" {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteString(inlineNode(child))
	}
	parts = append(parts, current.String())
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func inlineNode(node *tracker.RichText) string {
	switch node.Type {
	case "text":
		return node.Text
	case "link":
		href := node.Attr("href")
		label := strings.TrimSpace(inlineText(node))
		if label == "" {
			label = node.Text
		}
		if label == "" {
			label = href
		}
		return fmt.Sprintf("[%s](%s)", label, href)
	case "mention":
		name := node.Attr("name")
		if name == "" {
			name = node.Text
		}
		return "@" + name
	case "hardBreak":
		return "\n\n"
	default:
		var buf bytes.Buffer
		buf.WriteString(node.Text)
		for _, child := range node.Content {
			buf.WriteString(inlineNode(child))
		}
		return buf.String()
	}
}

// nodeText concatenates the raw text content of a node's subtree.
func nodeText(node *tracker.RichText) string {
	var buf bytes.Buffer
	buf.WriteString(node.Text)
	for _, child := range node.Content {
		buf.WriteString(nodeText(child))
	}
	return buf.String()
}
