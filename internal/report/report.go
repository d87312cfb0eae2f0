// Package report renders captured events into HTML reports and compact
// text digests for the control chat.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/timeutil"
)

const previewLimit = 90

// Labeler maps a user id to a display label, typically an alias from
// the routing table.
type Labeler func(userID int64) string

// Generator writes timestamped report bundles under a root directory.
// Each run gets its own reports/YYYY-MM-DD/HHMM/ directory so repeated
// runs never overwrite each other.
type Generator struct {
	reportsDir string
	now        func() time.Time
}

func NewGenerator(reportsDir string) *Generator {
	return &Generator{reportsDir: reportsDir, now: timeutil.Now}
}

// Generate renders events into filename inside a fresh dated directory
// and returns the written file's path. Media references are relative to
// the report directory so the bundle stays portable.
func (g *Generator) Generate(events []database.TrackedEvent, label Labeler, since time.Time, until *time.Time, filename string) (string, error) {
	if filename == "" {
		filename = "index.html"
	}
	now := g.now()
	reportDir := filepath.Join(g.reportsDir, now.Format("2006-01-02"), now.Format("1504"))
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	page := buildPage(events, label, since, until, reportDir, now)

	path := filepath.Join(reportDir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := pageTemplate.Execute(f, page); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return path, nil
}

// BuildDigest formats a compact window summary: a headline, then per
// tracked user a count line and up to three single-line previews.
func BuildDigest(events []database.TrackedEvent, label Labeler, since time.Time, until *time.Time) string {
	untilText := "now"
	if until != nil {
		untilText = until.UTC().Format(time.RFC3339)
	}

	lines := []string{
		fmt.Sprintf("Tracked messages %s → %s", since.UTC().Format(time.RFC3339), untilText),
	}
	for _, section := range groupBySender(events) {
		lines = append(lines, fmt.Sprintf("%s: %d msgs", label(section.senderID), len(section.events)))
		for i, ev := range section.events {
			if i == 3 {
				break
			}
			lines = append(lines, "- "+shortPreview(ev))
		}
	}
	if len(lines) == 1 {
		lines = append(lines, "No tracked messages in this window.")
	}
	return strings.Join(lines, "\n")
}

func shortPreview(ev database.TrackedEvent) string {
	text := "<no text>"
	if ev.Text.Valid {
		text = strings.ReplaceAll(ev.Text.String, "\n", " ")
	}
	if runes := []rune(text); len(runes) > previewLimit {
		text = string(runes[:previewLimit]) + "…"
	}
	return fmt.Sprintf("%s — %s", ev.Timestamp.UTC().Format(time.RFC3339), text)
}

type senderGroup struct {
	senderID int64
	events   []database.TrackedEvent
}

// groupBySender buckets events per sender, preserving the order each
// sender first appears.
func groupBySender(events []database.TrackedEvent) []senderGroup {
	index := make(map[int64]int)
	var groups []senderGroup
	for _, ev := range events {
		i, ok := index[ev.SenderID]
		if !ok {
			i = len(groups)
			index[ev.SenderID] = i
			groups = append(groups, senderGroup{senderID: ev.SenderID})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	return groups
}

type reportPage struct {
	Window   string
	Sections []reportSection
}

type reportSection struct {
	Label    string
	Messages []reportMessage
}

type reportMessage struct {
	Timestamp string
	MessageID int64
	Text      string
	HasText   bool
	Reply     *replyBlock
	Media     []mediaItem
}

type replyBlock struct {
	Author    string
	Timestamp string
	Text      string
	HasText   bool
}

type mediaItem struct {
	URL   string
	Index int
}

func buildPage(events []database.TrackedEvent, label Labeler, since time.Time, until *time.Time, reportDir string, now time.Time) reportPage {
	untilText := "now"
	end := now
	if until != nil {
		untilText = until.UTC().Format(time.RFC3339)
		end = *until
	}
	window := fmt.Sprintf("Window: %s → %s (%s)",
		since.UTC().Format(time.RFC3339), untilText, timeutil.Humanize(end.Sub(since)))

	page := reportPage{Window: window}
	for _, group := range groupBySender(events) {
		section := reportSection{Label: label(group.senderID)}
		for _, ev := range group.events {
			section.Messages = append(section.Messages, buildMessage(ev, label, reportDir))
		}
		page.Sections = append(page.Sections, section)
	}
	return page
}

func buildMessage(ev database.TrackedEvent, label Labeler, reportDir string) reportMessage {
	msg := reportMessage{
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		MessageID: ev.MessageID,
		Text:      ev.Text.String,
		HasText:   ev.Text.Valid,
	}

	if ev.HasReplySnapshot() {
		reply := &replyBlock{
			Author:    "unknown user",
			Timestamp: "unknown",
			Text:      ev.RepliedText.String,
			HasText:   ev.RepliedText.Valid && ev.RepliedText.String != "",
		}
		if ev.RepliedSenderID.Valid {
			reply.Author = label(ev.RepliedSenderID.Int64)
		}
		if ev.RepliedTimestamp.Valid {
			reply.Timestamp = ev.RepliedTimestamp.Time.UTC().Format(time.RFC3339)
		}
		msg.Reply = reply
	}

	for _, att := range ev.Attachments {
		abs, err := filepath.Abs(att.FilePath)
		if err != nil {
			abs = att.FilePath
		}
		rel, err := filepath.Rel(reportDir, abs)
		if err != nil {
			rel = abs
		}
		msg.Media = append(msg.Media, mediaItem{URL: filepath.ToSlash(rel), Index: att.Index})
	}
	return msg
}

var pageTemplate = template.Must(template.New("report").Parse(`<html>
<head>
<meta charset="utf-8">
<title>tgwatch report</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 2rem; }
h1 { margin-bottom: 0; }
.meta { color: #555; margin-bottom: 1rem; }
.user-section { margin-top: 2rem; }
.message { border: 1px solid #ddd; border-radius: 8px; padding: 1rem; margin-bottom: 1rem; }
.timestamp { color: #666; font-size: 0.9rem; }
.reply { background: #f7f7f7; padding: 0.5rem; border-left: 3px solid #999; margin-top: 0.75rem; }
.media-gallery { margin-top: 0.75rem; display: flex; flex-wrap: wrap; gap: 0.5rem; }
.media-gallery img { max-width: 280px; border-radius: 4px; border: 1px solid #ccc; }
pre { white-space: pre-wrap; }
</style>
</head>
<body>
<h1>tgwatch report</h1>
<div class="meta">{{.Window}}</div>
{{- if not .Sections}}
<p>No tracked messages.</p>
{{- end}}
{{- range .Sections}}
<div class="user-section">
<h2>{{.Label}}</h2>
{{- range .Messages}}
<div class="message">
<div class="timestamp">{{.Timestamp}} — message #{{.MessageID}}</div>
{{if .HasText}}<pre>{{.Text}}</pre>{{else}}<em>No text</em>{{end}}
{{- with .Reply}}
<div class="reply">Reply to {{.Author}} at {{.Timestamp}}<div>{{if .HasText}}{{.Text}}{{else}}<em>no text</em>{{end}}</div></div>
{{- end}}
{{- if .Media}}
<div class="media-gallery">{{range .Media}}<img src="{{.URL}}" alt="media {{.Index}}">{{end}}</div>
{{- end}}
</div>
{{- end}}
</div>
{{- end}}
</body>
</html>
`))
