package source

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/fundsight/ingest-cli/internal/model"
)

// StreamXML decodes XML elements matching the given local name and sends
// them to a channel. The type parameter T must be a struct with appropriate
// xml tags. Both channels are closed when processing completes.
func StreamXML[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := xml.NewDecoder(r)
		decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
			enc, err := htmlindex.Get(charset)
			if err != nil {
				return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
			}
			return enc.NewDecoder().Reader(input), nil
		}

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "xml: read token")
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}

			if se.Name.Local != elementName {
				continue
			}

			var item T
			if err := decoder.DecodeElement(&item, &se); err != nil {
				errCh <- eris.Wrap(err, "xml: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// xmlRecord captures one record element as a flat child-element map.
type xmlRecord struct {
	Children []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// defaultRecordElement is used when a source does not name its record
// element; public grant feeds commonly wrap each record in <opportunity>.
const defaultRecordElement = "opportunity"

// XMLConnector serves an XML feed as a single page, flattening each record
// element's children into raw-record fields.
type XMLConnector struct {
	src     model.Source
	client  *HTTPClient
	element string
}

// NewXMLConnector creates a connector for an XML feed source.
func NewXMLConnector(src model.Source, client *HTTPClient) *XMLConnector {
	return &XMLConnector{src: src, client: client, element: defaultRecordElement}
}

// WithRecordElement overrides the element name recognized as one record.
func (c *XMLConnector) WithRecordElement(name string) *XMLConnector {
	c.element = name
	return c
}

func (c *XMLConnector) ID() string { return c.src.ID }

func (c *XMLConnector) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	body, err := c.client.Get(ctx, c.src.Endpoint)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	items, errCh := StreamXML[xmlRecord](ctx, body, c.element)

	page := &Page{}
	for item := range items {
		fields := make(map[string]any, len(item.Children))
		for _, child := range item.Children {
			fields[child.XMLName.Local] = strings.TrimSpace(child.Value)
		}
		page.Records = append(page.Records, model.RawRecord{Kind: c.src.Kind, Fields: fields})
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "xml: stream from %s", c.src.ID)
	}
	return page, nil
}
