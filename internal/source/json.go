package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/fundsight/ingest-cli/internal/model"
)

// jsonEnvelope is the paged response shape JSON sources serve: a records
// array plus cursor fields.
type jsonEnvelope struct {
	Records    []map[string]any `json:"records"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// JSONConnector pages through a cursor-based JSON API.
type JSONConnector struct {
	src    model.Source
	client *HTTPClient
}

// NewJSONConnector creates a connector for a JSON source.
func NewJSONConnector(src model.Source, client *HTTPClient) *JSONConnector {
	return &JSONConnector{src: src, client: client}
}

func (c *JSONConnector) ID() string { return c.src.ID }

func (c *JSONConnector) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	endpoint := c.src.Endpoint
	if cursor != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, eris.Wrapf(err, "json: parse endpoint %s", endpoint)
		}
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	body, err := c.client.Get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	buffered := bufio.NewReader(body)
	first, err := peekFirstByte(buffered)
	if err != nil {
		return nil, eris.Wrapf(err, "json: read page from %s", c.src.ID)
	}

	// A bare array is a complete export; an object is a cursor envelope.
	if first == '[' {
		return c.readArrayPage(ctx, buffered)
	}

	var env jsonEnvelope
	if err := json.NewDecoder(buffered).Decode(&env); err != nil {
		return nil, eris.Wrapf(err, "json: decode page from %s", c.src.ID)
	}

	page := &Page{
		NextCursor: env.NextCursor,
		HasMore:    env.HasMore && env.NextCursor != "",
	}
	for _, fields := range env.Records {
		page.Records = append(page.Records, model.RawRecord{Kind: c.src.Kind, Fields: fields})
	}
	return page, nil
}

func (c *JSONConnector) readArrayPage(ctx context.Context, r io.Reader) (*Page, error) {
	items, errCh := DecodeJSONArray[map[string]any](ctx, r)

	page := &Page{}
	for fields := range items {
		page.Records = append(page.Records, model.RawRecord{Kind: c.src.Kind, Fields: fields})
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "json: stream array from %s", c.src.ID)
	}
	return page, nil
}

// peekFirstByte returns the first non-whitespace byte without consuming it.
func peekFirstByte(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			if _, err := r.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}

// DecodeJSONArray decodes a JSON array streaming, sending each element to a
// channel. Expects input in the form [{...},{...}]. Both channels are closed
// when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}
