package memory

import (
	"fmt"
	"strings"
	"time"
)

// RenderBlock formats records as the <memory> block injected ahead of the
// base system prompt. Each item is prefixed with its created_at rendered in
// the local timezone when parseable, otherwise the raw string.
func RenderBlock(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<memory>\n")
	for _, record := range records {
		stamp := record.CreatedAt
		if ts, err := time.Parse(time.RFC3339, record.CreatedAt); err == nil {
			stamp = ts.Local().Format("2006-01-02 15:04")
		}
		if stamp != "" {
			fmt.Fprintf(&sb, "- [%s] %s\n", stamp, record.Content)
		} else {
			fmt.Fprintf(&sb, "- %s\n", record.Content)
		}
	}
	sb.WriteString("</memory>")
	return sb.String()
}
