package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/starred-export/internal/export"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	anonymous  = "Anonymous"
)

// Render produces the Markdown document for one item. The image line is
// written only when the item names an attachment and hasImage confirms the
// cache holds it; the referenced key is returned so the caller can bundle it.
func Render(res export.ItemResult, loc *time.Location, hasImage func(key string) bool) (string, string) {
	lines := []string{
		fmt.Sprintf("# Post %d\n", res.Item.PID),
		fmt.Sprintf("[%s]\n", formatTime(res.Item.Timestamp, loc)),
		res.Item.Text,
	}

	var image string
	if key := res.Item.ImageFilename; key != "" && hasImage != nil && hasImage(key) {
		image = key
		lines = append(lines, fmt.Sprintf("\n![](Image/%s)", key))
	}

	lines = append(lines, "\n## Comments\n")
	if len(res.Comments) == 0 {
		lines = append(lines, "No comments.")
	}
	for _, c := range res.Comments {
		if c.Quote != nil {
			lines = append(lines, fmt.Sprintf("> %s: %s\n", orAnonymous(c.Quote.NameTag), c.Quote.Text))
		}
		lines = append(lines,
			fmt.Sprintf("%s [%s]: %s", orAnonymous(c.Name), formatTime(c.Timestamp, loc), c.Text),
			"\n---\n",
		)
	}
	return strings.Join(lines, "\n"), image
}

func formatTime(unix int64, loc *time.Location) string {
	if unix == 0 {
		return "unknown"
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(unix, 0).In(loc).Format(timeLayout)
}

func orAnonymous(name string) string {
	if name == "" {
		return anonymous
	}
	return name
}
