package mcpmanager

import "strings"

// ContentBlock is one block of a tools/call result's content array: a text
// block, an image block, or an embedded resource block.
type ContentBlock struct {
	Type     string
	Text     string
	MimeType string
	URI      string
}

// contentBlockFromRaw converts the transport's loosely-typed content map
// into a ContentBlock, defaulting to "text" when no type tag is present.
func contentBlockFromRaw(raw map[string]any) ContentBlock {
	block := ContentBlock{Type: "text"}
	if t, ok := raw["type"].(string); ok {
		block.Type = t
	}
	if text, ok := raw["text"].(string); ok {
		block.Text = text
	}
	if mime, ok := raw["mimeType"].(string); ok {
		block.MimeType = mime
	}
	if uri, ok := raw["uri"].(string); ok {
		block.URI = uri
	}
	return block
}

// FormatContent joins a tools/call result's content blocks into a single
// display string: text blocks pass through verbatim, image and resource
// blocks render as a bracketed placeholder naming their mime type or URI.
func FormatContent(content []map[string]any) string {
	parts := make([]string, 0, len(content))
	for _, raw := range content {
		block := contentBlockFromRaw(raw)
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "image":
			parts = append(parts, "["+nonEmpty(block.MimeType, "image")+"]")
		case "resource":
			parts = append(parts, "["+nonEmpty(block.URI, "resource")+"]")
		default:
			parts = append(parts, "["+block.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
