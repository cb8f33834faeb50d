// Package source fetches raw records from upstream funding-opportunity
// systems over HTTP in JSON, CSV, and XML shapes.
package source

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/fundsight/ingest-cli/internal/model"
)

// Page is one batch of raw records from a connector. Cursor semantics are
// opaque to the caller; a connector that serves everything at once returns
// HasMore false on the first page.
type Page struct {
	Records    []model.RawRecord
	NextCursor string
	HasMore    bool
}

// Connector fetches pages of raw records from one upstream source.
type Connector interface {
	// ID returns the source identifier the connector serves.
	ID() string

	// FetchPage retrieves one page. An empty cursor means the first page.
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// DetailFetcher is implemented by connectors whose list responses are
// shallow and need a second request per record.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, externalID string) (*model.RawRecord, error)
}

// maxPages bounds runaway pagination when an upstream keeps returning
// has_more with a cycling cursor.
const maxPages = 10000

// Paginate drives a connector through all its pages, pacing requests with
// the given limiter and handing each page to fn. A nil limiter disables
// pacing.
func Paginate(ctx context.Context, c Connector, limiter *rate.Limiter, fn func(Page) error) error {
	cursor := ""
	for page := 0; page < maxPages; page++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return eris.Wrap(err, "source: rate limiter wait")
			}
		}

		p, err := c.FetchPage(ctx, cursor)
		if err != nil {
			return eris.Wrapf(err, "source: fetch page %d from %s", page, c.ID())
		}

		zap.L().Debug("fetched page",
			zap.String("source_id", c.ID()),
			zap.Int("page", page),
			zap.Int("records", len(p.Records)),
			zap.Bool("has_more", p.HasMore),
		)

		if err := fn(*p); err != nil {
			return err
		}
		if !p.HasMore {
			return nil
		}
		cursor = p.NextCursor
	}
	return eris.Errorf("source: %s exceeded %d pages without completing", c.ID(), maxPages)
}

// sourcesFile is the on-disk shape of a sources registry.
type sourcesFile struct {
	Sources []model.Source `yaml:"sources"`
}

// LoadSources reads the source registry from a YAML file.
func LoadSources(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read registry %s", path)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "source: parse registry %s", path)
	}
	for _, s := range f.Sources {
		if s.ID == "" || s.Endpoint == "" {
			return nil, eris.Errorf("source: registry entry missing id or endpoint: %+v", s)
		}
	}
	return f.Sources, nil
}

// ForSource builds the connector matching a source's declared kind.
func ForSource(src model.Source, client *HTTPClient) (Connector, error) {
	switch src.Kind {
	case "json", "":
		return NewJSONConnector(src, client), nil
	case "csv":
		return NewCSVConnector(src, client), nil
	case "xml":
		return NewXMLConnector(src, client), nil
	default:
		return nil, eris.Errorf("source: unsupported kind %q for %s", src.Kind, src.ID)
	}
}
