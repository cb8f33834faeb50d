package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fundsight/ingest-cli/internal/model"
)

// fakeConnector serves a scripted sequence of pages keyed by cursor.
type fakeConnector struct {
	pages   map[string]*Page
	fetches []string
	failOn  string
}

func (f *fakeConnector) ID() string { return "fake" }

func (f *fakeConnector) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	f.fetches = append(f.fetches, cursor)
	if f.failOn != "" && cursor == f.failOn {
		return nil, eris.New("upstream unavailable")
	}
	p, ok := f.pages[cursor]
	if !ok {
		return nil, eris.Errorf("unknown cursor %q", cursor)
	}
	return p, nil
}

func rawRecords(n int) []model.RawRecord {
	out := make([]model.RawRecord, n)
	for i := range out {
		out[i] = model.RawRecord{Kind: "json", Fields: map[string]any{"i": i}}
	}
	return out
}

func TestPaginate_WalksAllPages(t *testing.T) {
	c := &fakeConnector{pages: map[string]*Page{
		"":   {Records: rawRecords(2), NextCursor: "p2", HasMore: true},
		"p2": {Records: rawRecords(2), NextCursor: "p3", HasMore: true},
		"p3": {Records: rawRecords(1)},
	}}

	var total int
	err := Paginate(context.Background(), c, rate.NewLimiter(rate.Inf, 1), func(p Page) error {
		total += len(p.Records)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"", "p2", "p3"}, c.fetches)
}

func TestPaginate_StopsOnPageError(t *testing.T) {
	c := &fakeConnector{
		pages: map[string]*Page{
			"": {Records: rawRecords(2), NextCursor: "p2", HasMore: true},
		},
		failOn: "p2",
	}

	err := Paginate(context.Background(), c, nil, func(p Page) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch page 1")
}

func TestPaginate_CallbackErrorAborts(t *testing.T) {
	c := &fakeConnector{pages: map[string]*Page{
		"": {Records: rawRecords(1), NextCursor: "p2", HasMore: true},
	}}

	err := Paginate(context.Background(), c, nil, func(p Page) error {
		return eris.New("persist failed")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist failed")
	assert.Equal(t, []string{""}, c.fetches)
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - id: grants-gov
    name: Grants.gov
    endpoint: https://api.grants.gov/v1/opportunities
    kind: json
    amount_change_threshold: 0.1
  - id: state-portal
    name: State Portal
    endpoint: https://state.example.gov/export.csv
    kind: csv
`), 0o644))

	sources, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "grants-gov", sources[0].ID)
	assert.Equal(t, 0.1, sources[0].AmountChangeThreshold)
	assert.Equal(t, "csv", sources[1].Kind)
}

func TestLoadSources_MissingEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - id: broken\n"), 0o644))

	_, err := LoadSources(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id or endpoint")
}

func TestForSource(t *testing.T) {
	client := NewHTTPClient(HTTPOptions{})

	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"json", false},
		{"", false},
		{"csv", false},
		{"xml", false},
		{"parquet", true},
	}
	for _, tt := range tests {
		t.Run("kind_"+tt.kind, func(t *testing.T) {
			_, err := ForSource(model.Source{ID: "s", Endpoint: "https://x", Kind: tt.kind}, client)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
