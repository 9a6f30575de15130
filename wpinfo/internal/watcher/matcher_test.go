package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/farahaniamin/WpDetectionBot/channels"
	"github.com/farahaniamin/WpDetectionBot/dbopen"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sent struct {
	chatID int64
	text   string
}

// recorder is a channels.Sender that records messages and fails for chats
// listed in failFor.
type recorder struct {
	mu      sync.Mutex
	msgs    []sent
	failFor map[int64]bool
}

func (r *recorder) SendMessage(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[chatID] {
		return &channels.ErrSendFailed{Channel: "test", Cause: errors.New("unreachable")}
	}
	r.msgs = append(r.msgs, sent{chatID, text})
	return nil
}

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type fixture struct {
	st  *store.Store
	clk *clock
	rec *recorder
	m   *Matcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	st, err := store.New(context.Background(), dbopen.OpenMemory(t), store.WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{failFor: map[int64]bool{}}
	return &fixture{st: st, clk: clk, rec: rec, m: New(Config{RecentDays: 30}, st, rec, nil)}
}

func (f *fixture) vuln(t *testing.T, id string, rating store.Severity, age time.Duration, typ, slug string) {
	t.Helper()
	err := f.st.UpsertVulnerability(context.Background(), &store.Vulnerability{
		ID: id, Title: "Title " + id, Rating: rating,
		Published: store.FormatTime(f.clk.Now().Add(-age)),
		Software:  []store.SoftwareLink{{Type: typ, Slug: slug}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) watch(t *testing.T, userID, chatID int64, origin string, plugins ...string) *store.Watch {
	t.Helper()
	cs := store.ComponentSet{Theme: &store.ComponentRef{Slug: "astra"}}
	for _, p := range plugins {
		cs.Plugins = append(cs.Plugins, store.ComponentRef{Slug: p})
	}
	w, err := f.st.UpsertWatch(context.Background(), &store.Watch{UserID: userID, ChatID: chatID, Origin: origin, Components: cs})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestRunPass_NotifiesOnce(t *testing.T) {
	// WHAT: a matching vulnerability is sent once; the next pass is silent.
	// WHY: the watermark is what keeps users from being spammed.
	ctx := context.Background()
	f := newFixture(t)
	f.vuln(t, "V1", store.SeverityHigh, 24*time.Hour, store.TypePlugin, "akismet")
	f.watch(t, 1, 100, "https://a.example", "akismet")

	stats, err := f.m.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Notified != 1 || stats.Watches != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	msgs := f.rec.take()
	if len(msgs) != 1 || msgs[0].chatID != 100 || !strings.Contains(msgs[0].text, "Title V1") {
		t.Fatalf("messages = %+v", msgs)
	}

	f.clk.Advance(time.Minute)
	if _, err := f.m.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if msgs := f.rec.take(); len(msgs) != 0 {
		t.Fatalf("second pass sent %d messages", len(msgs))
	}

	// A vulnerability published after the last notification is new again.
	f.clk.Advance(time.Hour)
	f.vuln(t, "V2", store.SeverityCritical, 10*time.Minute, store.TypeTheme, "astra")
	if _, err := f.m.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	msgs = f.rec.take()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "Title V2") || strings.Contains(msgs[0].text, "Title V1") {
		t.Fatalf("third pass = %+v", msgs)
	}
}

func TestRunPass_FailureKeepsWatermark(t *testing.T) {
	// WHAT: a failed send leaves the watermark untouched and is retried.
	// WHY: delivery is at-least-once.
	ctx := context.Background()
	f := newFixture(t)
	f.vuln(t, "V1", store.SeverityHigh, time.Hour, store.TypePlugin, "akismet")
	w := f.watch(t, 1, 100, "https://a.example", "akismet")

	f.rec.failFor[100] = true
	stats, err := f.m.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Matched != 1 || stats.Notified != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.st.GetWatch(ctx, w.ID)
	if got.LastNotifiedAt != 0 {
		t.Fatalf("watermark moved to %d after failure", got.LastNotifiedAt)
	}

	f.rec.failFor[100] = false
	f.clk.Advance(time.Minute)
	if _, err := f.m.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if msgs := f.rec.take(); len(msgs) != 1 {
		t.Fatalf("retry sent %d messages", len(msgs))
	}
	got, _ = f.st.GetWatch(ctx, w.ID)
	if got.LastNotifiedAt != f.clk.Now().UnixMilli() {
		t.Fatalf("watermark = %d", got.LastNotifiedAt)
	}
}

func TestRunPass_IsolatesWatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vuln(t, "V1", store.SeverityHigh, time.Hour, store.TypePlugin, "akismet")
	f.watch(t, 1, 100, "https://a.example", "akismet")
	f.watch(t, 2, 200, "https://b.example", "akismet")
	f.rec.failFor[100] = true

	stats, err := f.m.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Notified != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if msgs := f.rec.take(); len(msgs) != 1 || msgs[0].chatID != 200 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestRunPass_Filters(t *testing.T) {
	// WHAT: muted users, stale, low-severity and unrelated entries are not sent.
	ctx := context.Background()
	f := newFixture(t)
	f.vuln(t, "OLD", store.SeverityCritical, 40*24*time.Hour, store.TypePlugin, "akismet")
	f.vuln(t, "MED", store.SeverityMedium, time.Hour, store.TypePlugin, "akismet")
	f.vuln(t, "OTHER", store.SeverityHigh, time.Hour, store.TypePlugin, "woocommerce")
	f.vuln(t, "CROSS", store.SeverityHigh, time.Hour, store.TypeTheme, "akismet")
	f.watch(t, 1, 100, "https://a.example", "akismet")

	f.vuln(t, "MUTED", store.SeverityHigh, time.Hour, store.TypePlugin, "jetpack")
	f.watch(t, 2, 200, "https://b.example", "jetpack")
	if _, err := f.st.SetNotifyVulns(ctx, 2, false); err != nil {
		t.Fatal(err)
	}

	stats, err := f.m.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Muted != 1 || stats.Matched != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if msgs := f.rec.take(); len(msgs) != 0 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestFormatAlert(t *testing.T) {
	vulns := []store.VulnSummary{{
		ID: "V1", Title: `<script>alert("x")</script>`, Rating: store.SeverityHigh,
		CVE: "CVE-2026-1", ReferenceURL: "https://example.org/?a=1&b=2",
	}}
	out := FormatAlert("https://a.example", vulns)
	if strings.Contains(out, "<script>") {
		t.Fatalf("title not escaped: %s", out)
	}
	if !strings.Contains(out, `href="https://example.org/?a=1&amp;b=2"`) || !strings.Contains(out, "CVE-2026-1") {
		t.Fatalf("out = %s", out)
	}

	many := make([]store.VulnSummary, 25)
	for i := range many {
		many[i] = store.VulnSummary{ID: fmt.Sprint(i), Title: fmt.Sprintf("T%d", i), Rating: store.SeverityCritical}
	}
	out = FormatAlert("o", many)
	if strings.Count(out, "•") != MaxAlertItems || !strings.Contains(out, "and 5 more") {
		t.Fatalf("cap not applied: %s", out)
	}
}

func TestFormatAlert_FitsMessageLimit(t *testing.T) {
	// WHAT: Long titles and URLs are clipped or folded so the message stays within MaxAlertLen.
	// WHY: Telegram rejects longer messages, which would block the watermark forever.
	long := strings.Repeat("Ünïcode title ", 80)
	vulns := make([]store.VulnSummary, MaxAlertItems)
	for i := range vulns {
		vulns[i] = store.VulnSummary{
			ID: fmt.Sprint(i), Title: long, Rating: store.SeverityCritical, CVE: "CVE-2026-0001",
			ReferenceURL: "https://www.wordfence.com/threat-intel/vulnerabilities/" + strings.Repeat("a", 120),
		}
	}
	out := FormatAlert("https://a.example", vulns)
	if n := utf8.RuneCountInString(out); n > MaxAlertLen {
		t.Fatalf("message is %d characters", n)
	}
	shown := strings.Count(out, "•")
	if shown == 0 || shown == MaxAlertItems {
		t.Fatalf("shown = %d", shown)
	}
	if !strings.Contains(out, fmt.Sprintf("and %d more", MaxAlertItems-shown)) {
		t.Fatalf("missing remainder line: %s", out[len(out)-80:])
	}
}
