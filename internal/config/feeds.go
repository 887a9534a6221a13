package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes one iCalendar feed pulled on a schedule.
type FeedConfig struct {
	// Name labels the feed; ingested records are attributed to "ics:<name>".
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Trusted feeds create APPROVED events, others PENDING.
	Trusted bool `yaml:"trusted"`
	// Schedule is a cron expression; empty uses DefaultFeedSchedule.
	Schedule string `yaml:"schedule"`
	// HorizonDays bounds recurrence expansion.
	HorizonDays int `yaml:"horizon_days"`
}

type feedFile struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

const (
	DefaultFeedSchedule    = "*/30 * * * *"
	DefaultFeedHorizonDays = 90
)

// LoadFeeds reads the feed registry at path. An empty path yields no feeds.
func LoadFeeds(path string) ([]FeedConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}
	return ParseFeeds(data)
}

// ParseFeeds decodes and validates a feed registry document.
func ParseFeeds(data []byte) ([]FeedConfig, error) {
	var doc feedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Feeds))
	feeds := make([]FeedConfig, 0, len(doc.Feeds))
	for i, feed := range doc.Feeds {
		feed.Name = strings.TrimSpace(feed.Name)
		feed.URL = strings.TrimSpace(feed.URL)
		if feed.Name == "" {
			return nil, fmt.Errorf("feed %d: name is required", i)
		}
		if seen[feed.Name] {
			return nil, fmt.Errorf("feed %q: duplicate name", feed.Name)
		}
		seen[feed.Name] = true

		u, err := url.Parse(feed.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("feed %q: url must be an absolute http(s) URL", feed.Name)
		}
		if feed.Schedule == "" {
			feed.Schedule = DefaultFeedSchedule
		}
		if feed.HorizonDays <= 0 {
			feed.HorizonDays = DefaultFeedHorizonDays
		}
		feeds = append(feeds, feed)
	}
	return feeds, nil
}
