package store

import (
	"context"
	"testing"
	"time"
)

func critical(id string, updated string, links ...SoftwareLink) *Vulnerability {
	return &Vulnerability{ID: id, Title: "vuln " + id, Rating: SeverityCritical, Published: updated, Updated: updated, Software: links}
}

func plugin(slug string) SoftwareLink {
	return SoftwareLink{Type: TypePlugin, Slug: slug, AffectedVersions: `{"* - 1.0":{"from_version":"*","from_inclusive":true,"to_version":"1.0","to_inclusive":true}}`}
}

func TestUpsertVulnerability_OverwritesAndReplacesLinks(t *testing.T) {
	// WHAT: re-ingesting an id overwrites its severity and replaces its links.
	// WHY: vendors revise records; stale links would produce false alerts.
	s, _ := newTestStore(t)
	ctx := context.Background()

	v := critical("V1", "2026-02-28 10:00:00", plugin("akismet"), plugin("jetpack"))
	if err := s.UpsertVulnerability(ctx, v); err != nil {
		t.Fatal(err)
	}
	v2 := &Vulnerability{ID: "V1", Title: "revised", Rating: ParseSeverity("medium"),
		Software: []SoftwareLink{{Type: TypeTheme, Slug: "astra", Patched: true, PatchedVersions: []string{"2.0"}}}}
	if err := s.UpsertVulnerability(ctx, v2); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetVulnerability(ctx, "V1")
	if err != nil || got == nil {
		t.Fatalf("get = %v, %v", got, err)
	}
	if got.Rating != SeverityMedium || got.Title != "revised" {
		t.Fatalf("rating/title = %q/%q", got.Rating, got.Title)
	}
	if got.Published != "" {
		t.Fatalf("published = %q, want cleared", got.Published)
	}
	if len(got.Software) != 1 || got.Software[0].Slug != "astra" || !got.Software[0].Patched {
		t.Fatalf("links = %+v", got.Software)
	}
	if len(got.Software[0].PatchedVersions) != 1 || got.Software[0].AffectedVersions != "{}" {
		t.Fatalf("link detail = %+v", got.Software[0])
	}
	if n, _ := s.CountVulnLinks(ctx); n != 1 {
		t.Fatalf("links = %d, want 1", n)
	}
}

func TestUpsertVulnerability_TitleDefaultsToID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertVulnerability(ctx, &Vulnerability{ID: "V9"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetVulnerability(ctx, "V9")
	if got.Title != "V9" || got.Rating != SeverityUnknown {
		t.Fatalf("got %+v", got)
	}
	if err := s.UpsertVulnerability(ctx, &Vulnerability{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestRecentVulns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.UpsertVulnerability(ctx, critical("new", "2026-02-27 00:00:00"))
	s.UpsertVulnerability(ctx, critical("newer", "2026-02-28 00:00:00"))
	s.UpsertVulnerability(ctx, critical("old", "2025-01-01 00:00:00"))
	s.UpsertVulnerability(ctx, &Vulnerability{ID: "medium", Rating: SeverityMedium, Published: "2026-02-28 00:00:00"})
	s.UpsertVulnerability(ctx, &Vulnerability{ID: "info", Rating: SeverityHigh, Informational: true, Published: "2026-02-28 00:00:00"})

	got, err := s.RecentVulns(ctx, 30, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "newer" || got[1].ID != "new" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestVulnsForComponents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.UpsertVulnerability(ctx, critical("P", "2026-02-28 00:00:00", plugin("akismet")))
	s.UpsertVulnerability(ctx, critical("T", "2026-02-27 00:00:00", SoftwareLink{Type: TypeTheme, Slug: "astra"}))
	s.UpsertVulnerability(ctx, critical("X", "2026-02-27 00:00:00", plugin("other")))
	// A plugin slug that equals a theme slug must not cross-match.
	s.UpsertVulnerability(ctx, critical("Y", "2026-02-27 00:00:00", SoftwareLink{Type: TypeTheme, Slug: "akismet"}))

	cs := ComponentSet{Theme: &ComponentRef{Slug: "astra"}, Plugins: []ComponentRef{{Slug: "akismet", VersionHint: "0.9"}}}
	got, err := s.VulnsForComponents(ctx, cs, 30, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "P" || got[1].ID != "T" {
		t.Fatalf("matched = %+v", got)
	}
	if got[0].AffectedVersions == "" || got[0].Type != TypePlugin {
		t.Fatalf("component detail = %+v", got[0])
	}
	if none, _ := s.VulnsForComponents(ctx, ComponentSet{}, 30, 50); none != nil {
		t.Fatal("empty set must match nothing")
	}
}

func TestNewVulnsForWatch_WatermarkIsStrict(t *testing.T) {
	// WHAT: a vulnerability stamped exactly at the watermark is not new.
	// WHY: the watermark marks what was already delivered.
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.UpsertVulnerability(ctx, critical("A", "2026-02-28 10:00:00", plugin("akismet")))
	s.UpsertVulnerability(ctx, critical("B", "2026-02-28 11:00:00", plugin("akismet")))

	cs := ComponentSet{Plugins: []ComponentRef{{Slug: "akismet"}}}
	since := clk.Now().Add(-30 * 24 * time.Hour)
	wm := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)

	got, err := s.NewVulnsForWatch(ctx, cs, since, wm, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "B" {
		t.Fatalf("new = %+v", got)
	}
	got, _ = s.NewVulnsForWatch(ctx, cs, since, time.Unix(0, 0), 20)
	if len(got) != 2 {
		t.Fatalf("from epoch = %d, want 2", len(got))
	}
}

func TestNewVulnsForWatch_WindowAndComponents(t *testing.T) {
	// WHAT: theme and plugin links both match, and the recency window excludes older items.
	// WHY: the window, watermark and component filters bind separate arguments and must not cross.
	s, clk := newTestStore(t)
	ctx := context.Background()
	theme := SoftwareLink{Type: TypeTheme, Slug: "astra"}
	s.UpsertVulnerability(ctx, critical("OLD", "2025-06-01 00:00:00", plugin("forms")))
	s.UpsertVulnerability(ctx, critical("T", "2026-02-27 00:00:00", theme))
	s.UpsertVulnerability(ctx, critical("P", "2026-02-26 00:00:00", plugin("forms")))
	s.UpsertVulnerability(ctx, critical("OTHER", "2026-02-26 00:00:00", plugin("unrelated")))

	cs := ComponentSet{
		Theme:   &ComponentRef{Slug: "astra"},
		Plugins: []ComponentRef{{Slug: "forms"}, {Slug: "seo"}},
	}
	got, err := s.NewVulnsForWatch(ctx, cs, clk.Now().Add(-30*24*time.Hour), time.Unix(0, 0), 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "T" || got[1].ID != "P" {
		t.Fatalf("new = %+v", got)
	}
}

func TestWatches(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	w, err := s.UpsertWatch(ctx, &Watch{UserID: 7, ChatID: 70, Origin: "https://a.com",
		Components: ComponentSet{Plugins: []ComponentRef{{Slug: "akismet"}}}})
	if err != nil {
		t.Fatal(err)
	}
	if w.ID == "" || w.LastNotifiedAt != 0 {
		t.Fatalf("created = %+v", w)
	}
	if err := s.MarkNotified(ctx, w.ID, 5000); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkNotified(ctx, w.ID, 4000); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	again, err := s.UpsertWatch(ctx, &Watch{UserID: 7, ChatID: 71, Origin: "https://a.com",
		Components: ComponentSet{Theme: &ComponentRef{Slug: "astra"}}})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != w.ID || again.ChatID != 71 || again.LastNotifiedAt != 5000 {
		t.Fatalf("refreshed = %+v", again)
	}
	if again.Components.Theme == nil || len(again.Components.Plugins) != 0 {
		t.Fatalf("components not replaced: %+v", again.Components)
	}

	list, _ := s.ListWatches(ctx, 7)
	if len(list) != 1 {
		t.Fatalf("list = %d", len(list))
	}
	if ok, _ := s.DeleteWatch(ctx, 8, w.ID); ok {
		t.Fatal("another user deleted the watch")
	}
	if ok, _ := s.DeleteWatch(ctx, 7, w.ID); !ok {
		t.Fatal("owner could not delete")
	}
	if got, _ := s.GetWatch(ctx, w.ID); got != nil {
		t.Fatal("watch still present")
	}
}
