package source

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/fundsight/ingest-cli/internal/model"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh   chan<- []string // optional: receives the header row
	Comment    rune            // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads CSV data and sends rows to a channel. Caller must consume
// the returned row channel. Both channels are closed when processing
// completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // allow variable fields

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// CSVConnector serves a bulk CSV export as a single page. The header row
// supplies the field names for each raw record.
type CSVConnector struct {
	src    model.Source
	client *HTTPClient
}

// NewCSVConnector creates a connector for a CSV bulk-file source.
func NewCSVConnector(src model.Source, client *HTTPClient) *CSVConnector {
	return &CSVConnector{src: src, client: client}
}

func (c *CSVConnector) ID() string { return c.src.ID }

func (c *CSVConnector) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	body, err := c.client.Get(ctx, c.src.Endpoint)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	headerCh := make(chan []string, 1)
	rows, errCh := StreamCSV(ctx, body, CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	var header []string
	page := &Page{}
	for row := range rows {
		if header == nil {
			select {
			case header = <-headerCh:
			default:
				return nil, eris.Errorf("csv: %s served rows before a header", c.src.ID)
			}
		}
		fields := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(row) {
				fields[name] = row[i]
			}
		}
		page.Records = append(page.Records, model.RawRecord{Kind: c.src.Kind, Fields: fields})
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "csv: stream from %s", c.src.ID)
	}
	return page, nil
}
