// Package sources retrieves parsed schedule observations from upstream channels.
package sources

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
)

const defaultFetchTimeout = 20 * time.Second

var errMissingFeedURL = errors.New("feed url is required")

// Fetcher returns the currently visible updates of one source.
type Fetcher interface {
	Source() schedule.Source
	Fetch(ctx context.Context) ([]schedule.RawUpdate, error)
}

// WebsiteSourceID derives the synthetic id of a website entry from its date and page position.
func WebsiteSourceID(date schedule.Date, position int) int64 {
	dateKey := int64(date.Year)*10000 + int64(date.Month)*100 + int64(date.Day)
	return dateKey*1000 + int64(position)
}

type FeedConfig struct {
	Source  schedule.Source
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// FeedFetcher reads a JSON array of updates produced by an upstream parser.
type FeedFetcher struct {
	source  schedule.Source
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewFeedFetcher(cfg FeedConfig) (*FeedFetcher, error) {
	source, err := schedule.ParseSource(string(cfg.Source))
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingFeedURL
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &FeedFetcher{source: source, url: url, client: client, timeout: timeout}, nil
}

func (f *FeedFetcher) Source() schedule.Source {
	return f.source
}

// Fetch downloads the feed. Every update is stamped with the fetcher's source regardless of
// what the feed claims, and website ids missing from the feed are derived from the page order.
func (f *FeedFetcher) Fetch(ctx context.Context) ([]schedule.RawUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var updates []schedule.RawUpdate
	err := requests.URL(f.url).
		Client(f.client).
		Accept("application/json").
		ToJSON(&updates).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}

	positions := make(map[schedule.Date]int)
	for index := range updates {
		updates[index].Source = f.source
		if f.source != schedule.SourceWebsite || updates[index].SourceID != 0 {
			continue
		}
		date, err := schedule.ParseDate(updates[index].Schedule.Date)
		if err != nil {
			continue
		}
		updates[index].SourceID = WebsiteSourceID(date, positions[date])
		positions[date]++
	}
	return updates, nil
}

// StaticFetcher serves a fixed set of updates, or a fixed error.
type StaticFetcher struct {
	Kind    schedule.Source
	Updates []schedule.RawUpdate
	Err     error
}

func (f StaticFetcher) Source() schedule.Source {
	return f.Kind
}

func (f StaticFetcher) Fetch(ctx context.Context) ([]schedule.RawUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	updates := make([]schedule.RawUpdate, len(f.Updates))
	copy(updates, f.Updates)
	return updates, nil
}
