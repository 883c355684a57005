package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Transcript is a session's input and every output message logged for it.
type Transcript struct {
	Input    *InputMessage   `json:"input,omitempty"`
	Session  string          `json:"session"`
	Closed   bool            `json:"closed"`
	Messages []OutputMessage `json:"messages"`
}

// ExportMarkdown renders a transcript as a markdown document.
func ExportMarkdown(tr Transcript) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Session %s\n\n", tr.Session))
	if tr.Input != nil {
		b.WriteString(fmt.Sprintf("- **Request:** %s\n", tr.Input.Header.MsgID))
		if tr.Input.Shortened != "" {
			b.WriteString(fmt.Sprintf("- **Shortened:** %s\n", tr.Input.Shortened))
		}
		if !tr.Input.Header.Date.IsZero() {
			b.WriteString(fmt.Sprintf("- **Submitted:** %s\n", tr.Input.Header.Date.Format("2006-01-02 15:04:05")))
		}
		if len(tr.Input.Content.Files) > 0 {
			b.WriteString(fmt.Sprintf("- **Files:** %s\n", strings.Join(tr.Input.Content.Files, ", ")))
		}
	}
	status := "open"
	if tr.Closed {
		status = "closed"
	}
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", status))
	b.WriteString("\n---\n\n")

	if tr.Input != nil {
		b.WriteString(fmt.Sprintf("## Code\n\n```\n%s\n```\n\n", tr.Input.Content.Code))
	}

	var stream strings.Builder
	flush := func() {
		if stream.Len() > 0 {
			b.WriteString(fmt.Sprintf("## Output\n\n```\n%s\n```\n\n", strings.TrimRight(stream.String(), "\n")))
			stream.Reset()
		}
	}
	for _, m := range tr.Messages {
		switch m.MsgType {
		case wire.Stream:
			text, _ := m.Content["text"].(string)
			stream.WriteString(text)
		case wire.ExecuteResult, wire.DisplayData:
			flush()
			data, _ := m.Content["data"].(map[string]any)
			if text, ok := data["text/plain"].(string); ok {
				b.WriteString(fmt.Sprintf("**Result:**\n```\n%s\n```\n\n", text))
			}
			if files, ok := data["text/filename"]; ok {
				b.WriteString(fmt.Sprintf("**Files:** %v\n\n", files))
			}
		case wire.Error:
			flush()
			b.WriteString(fmt.Sprintf("**Error:** `%v`: %v\n\n", m.Content["ename"], m.Content["evalue"]))
		case wire.ExecuteReply:
			flush()
			b.WriteString(fmt.Sprintf("<details>\n<summary>Reply #%d</summary>\n\n%v\n</details>\n\n", m.Sequence, m.Content["status"]))
		}
	}
	flush()

	return b.String()
}

// ExportJSON renders a transcript as formatted JSON.
func ExportJSON(tr Transcript) ([]byte, error) {
	if tr.Messages == nil {
		tr.Messages = []OutputMessage{}
	}
	return json.MarshalIndent(tr, "", "  ")
}
