package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFeeds(t *testing.T) {
	doc := []byte(`
feeds:
  - name: barassoc
    url: https://barassoc.org/events.ics
    trusted: true
    schedule: "*/15 * * * *"
    horizon_days: 30
  - name: ylD
    url: http://young-lawyers.example.com/cal.ics
`)

	feeds, err := ParseFeeds(doc)
	if err != nil {
		t.Fatalf("ParseFeeds returned error: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("expected 2 feeds, got %d", len(feeds))
	}

	if !feeds[0].Trusted || feeds[0].Schedule != "*/15 * * * *" || feeds[0].HorizonDays != 30 {
		t.Errorf("unexpected first feed: %+v", feeds[0])
	}
	if feeds[1].Trusted {
		t.Error("feeds are untrusted unless marked")
	}
	if feeds[1].Schedule != DefaultFeedSchedule || feeds[1].HorizonDays != DefaultFeedHorizonDays {
		t.Errorf("defaults not applied: %+v", feeds[1])
	}
}

func TestParseFeedsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"missing name":   "feeds:\n  - url: https://a.example.com/x.ics\n",
		"relative url":   "feeds:\n  - name: a\n    url: /x.ics\n",
		"bad scheme":     "feeds:\n  - name: a\n    url: webcal://a.example.com/x.ics\n",
		"duplicate name": "feeds:\n  - name: a\n    url: https://a.example.com/1.ics\n  - name: a\n    url: https://a.example.com/2.ics\n",
		"not yaml":       "feeds: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseFeeds([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadFeeds(t *testing.T) {
	if feeds, err := LoadFeeds(""); err != nil || feeds != nil {
		t.Errorf("empty path should yield no feeds: %v %v", feeds, err)
	}

	path := filepath.Join(t.TempDir(), "feeds.yaml")
	if err := os.WriteFile(path, []byte("feeds:\n  - name: a\n    url: https://a.example.com/x.ics\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	feeds, err := LoadFeeds(path)
	if err != nil || len(feeds) != 1 {
		t.Errorf("LoadFeeds = %v, %v", feeds, err)
	}

	if _, err := LoadFeeds(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should be an error")
	}
}
