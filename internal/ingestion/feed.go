package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
)

// maxFeedBytes caps an iCalendar download.
const maxFeedBytes = 10 << 20

// FeedSource is a registered iCalendar feed.
type FeedSource struct {
	Name    string
	URL     string
	Trusted bool
	Horizon time.Duration
}

// SourceName is the provenance label stamped on events from this feed.
func (f FeedSource) SourceName() string {
	return "ics:" + f.Name
}

// FeedFetcher downloads iCalendar feeds, retrying transient failures.
type FeedFetcher struct {
	client *http.Client
	policy RetryPolicy
	logger *slog.Logger
}

// NewFeedFetcher creates a fetcher. A nil client gets a 30 second timeout.
func NewFeedFetcher(client *http.Client, policy RetryPolicy, logger *slog.Logger) *FeedFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FeedFetcher{client: client, policy: policy, logger: logger}
}

// Fetch downloads url. Network errors, 429 and 5xx responses are retried.
func (f *FeedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := Retry(ctx, f.policy, func(ctx context.Context) error {
		var fetchErr error
		body, fetchErr = f.fetchOnce(ctx, url)
		if fetchErr != nil && IsRetryable(fetchErr) {
			f.logger.Warn("feed fetch failed, retrying", "url", url, "error", fetchErr)
		}
		return fetchErr
	})
	return body, err
}

func (f *FeedFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", "eventcore/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, NewRetryableError(fmt.Errorf("failed to fetch feed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRetryableErrorWithDelay(
			fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			retryAfter(resp.Header.Get("Retry-After")),
		)
	case resp.StatusCode >= 500:
		return nil, NewRetryableError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("failed to read feed: %w", err))
	}
	if len(body) > maxFeedBytes {
		return nil, fmt.Errorf("feed exceeds %d bytes", maxFeedBytes)
	}
	return body, nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// FeedIngester pulls registered feeds through the merger.
type FeedIngester struct {
	fetcher  *FeedFetcher
	merger   *Merger
	errorLog ErrorLog
	logger   *slog.Logger
	now      func() time.Time
}

// NewFeedIngester creates a feed ingester. errorLog may be nil.
func NewFeedIngester(fetcher *FeedFetcher, merger *Merger, errorLog ErrorLog, logger *slog.Logger) *FeedIngester {
	return &FeedIngester{
		fetcher:  fetcher,
		merger:   merger,
		errorLog: errorLog,
		logger:   logger,
		now:      time.Now,
	}
}

// Pull fetches, parses and ingests one feed. Fetch and parse failures are
// recorded in the error log and returned; per-record failures are in the result.
func (fi *FeedIngester) Pull(ctx context.Context, feed FeedSource) (IngestResult, error) {
	source := feed.SourceName()
	fi.logger.Info("pulling feed", "source", source, "url", feed.URL)

	body, err := fi.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		fi.recordFailure(ctx, source, models.ErrorTypeFeedFetchFailed, feed.URL, err)
		return IngestResult{Source: source, Trusted: feed.Trusted}, fmt.Errorf("fetch feed %s: %w", feed.Name, err)
	}

	return fi.IngestICS(ctx, source, body, feed.Trusted, feed.Horizon)
}

// IngestICS parses an iCalendar body and merges its events.
func (fi *FeedIngester) IngestICS(ctx context.Context, source string, body []byte, trusted bool, horizon time.Duration) (IngestResult, error) {
	opts := DefaultICSOptions()
	opts.Now = fi.now()
	if horizon > 0 {
		opts.Horizon = horizon
	}

	records, err := ParseICSFeed(bytes.NewReader(body), opts)
	if err != nil {
		fi.recordFailure(ctx, source, models.ErrorTypeParsingFailed, "", err)
		return IngestResult{Source: source, Trusted: trusted}, &models.ValidationError{Field: "calendar", Message: err.Error()}
	}

	return fi.merger.Ingest(ctx, source, records, trusted), nil
}

func (fi *FeedIngester) recordFailure(ctx context.Context, source string, typ models.IngestionErrorType, url string, err error) {
	fi.logger.Error("feed ingestion failed", "source", source, "error", err)
	if fi.errorLog == nil || errors.Is(err, context.Canceled) {
		return
	}
	entry := models.IngestionError{
		Source:     source,
		ErrorType:  string(typ),
		RecordName: url,
		ErrorMsg:   err.Error(),
		Metadata:   "{}",
		CreatedAt:  fi.now().UTC(),
	}
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if storeErr := fi.errorLog.Store(logCtx, entry); storeErr != nil {
		fi.logger.Error("failed to store ingestion error", "source", source, "error", storeErr)
	}
}
