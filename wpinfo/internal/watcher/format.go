package watcher

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// MaxAlertItems caps the vulnerabilities listed in one message.
const MaxAlertItems = 20

// MaxAlertLen is Telegram's message limit in characters.
const MaxAlertLen = 4096

const (
	maxTitleLen = 300
	moreReserve = 32 // room for the trailing "and N more" line
)

// FormatAlert renders a Telegram-HTML message for origin. Upstream text is
// escaped; only the markup added here is live. Items that would push the
// message past MaxAlertLen are folded into the trailing count.
func FormatAlert(origin string, vulns []store.VulnSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>New vulnerabilities for</b> %s\n", html.EscapeString(origin))
	size := utf8.RuneCountInString(b.String())
	for i, v := range vulns {
		item := formatItem(v)
		n := utf8.RuneCountInString(item)
		if i == MaxAlertItems || size+n+moreReserve > MaxAlertLen {
			fmt.Fprintf(&b, "\n… and %d more", len(vulns)-i)
			break
		}
		b.WriteString(item)
		size += n
	}
	return b.String()
}

func formatItem(v store.VulnSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n• <b>[%s]</b> %s", html.EscapeString(string(v.Rating)), html.EscapeString(clip(v.Title, maxTitleLen)))
	if v.CVE != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(v.CVE))
	}
	if v.ReferenceURL != "" {
		fmt.Fprintf(&b, "\n  <a href=\"%s\">details</a>", html.EscapeString(v.ReferenceURL))
	}
	return b.String()
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
