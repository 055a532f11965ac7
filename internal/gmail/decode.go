package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ParsedMessage is the handler-facing view of a mail message: headers of
// interest and a plain-text body.
type ParsedMessage struct {
	ID       string
	ThreadID string
	Subject  string
	From     string
	To       string
	Date     string
	Labels   []string
	Snippet  string
	Text     string
}

// ParseMessage decodes an item payload produced by this package's remote
// back into a message and extracts its text content.
func ParseMessage(payload []byte) (*ParsedMessage, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode message payload: %w", err)
	}

	p := &ParsedMessage{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		Labels:   msg.LabelIDs,
		Snippet:  msg.Snippet,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				p.Subject = h.Value
			case "from":
				p.From = h.Value
			case "to":
				p.To = h.Value
			case "date":
				p.Date = h.Value
			}
		}
		p.Text = extractText(msg.Payload)
	}
	return p, nil
}

// extractText walks the MIME tree and returns the best text rendering:
// text/plain parts if any exist, otherwise text/html parts stripped to text.
func extractText(root *MessagePart) string {
	var plain, htmlSrc []string
	collectText(root, &plain, &htmlSrc)

	if len(plain) > 0 {
		return strings.TrimSpace(strings.Join(plain, "\n"))
	}
	var out []string
	for _, src := range htmlSrc {
		if text := htmlToText(src); text != "" {
			out = append(out, text)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func collectText(part *MessagePart, plain, htmlSrc *[]string) {
	if part == nil {
		return
	}
	// Attachments carry a filename; skip their bodies.
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain"):
			if data, err := decodeBody(part.Body.Data); err == nil {
				*plain = append(*plain, data)
			}
		case strings.HasPrefix(part.MimeType, "text/html"):
			if data, err := decodeBody(part.Body.Data); err == nil {
				*htmlSrc = append(*htmlSrc, data)
			}
		}
	}
	for i := range part.Parts {
		collectText(&part.Parts[i], plain, htmlSrc)
	}
}

func decodeBody(data string) (string, error) {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", fmt.Errorf("decode part body: %w", err)
	}
	return string(b), nil
}

// htmlToText renders an HTML fragment as plain text, dropping script and
// style content and inserting line breaks at block boundaries.
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}
	var b strings.Builder
	walkHTML(doc, &b)
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func walkHTML(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "head":
			return
		case "br", "p", "div", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteByte('\n')
		}
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			b.WriteString(text)
			b.WriteByte(' ')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, b)
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
