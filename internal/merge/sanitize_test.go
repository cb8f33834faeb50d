package merge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundsight/ingest-cli/internal/model"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "Rural Broadband", CleanText("  Rural   Broadband \n", 0))
	assert.Equal(t, "Rur", CleanText("Rural", 3))
	assert.Equal(t, "", CleanText("   ", 0))
}

func TestCleanURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://grants.gov/view/123", "https://grants.gov/view/123"},
		{"grants.gov/view/123", "https://grants.gov/view/123"},
		{"  http://example.org ", "http://example.org"},
		{"ftp://example.org/file", ""},
		{"not a url at all", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CleanURL(tc.in), "input %q", tc.in)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want *float64
	}{
		{"plain float", 250000.0, ptr(250000.0)},
		{"currency string", "$250,000", ptr(250000.0)},
		{"decimal string", "1500.50", ptr(1500.50)},
		{"zero is absent", 0.0, nil},
		{"zero string is absent", "$0", nil},
		{"garbage", "TBD", nil},
		{"nil", nil, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseAmount(tc.in)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tc.want, *got, 0.001)
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for _, in := range []string{"2026-10-01", "10/01/2026", "Oct 1, 2026", "2026-10-01T00:00:00Z"} {
		got := ParseDate(in)
		require.NotNil(t, got, "input %q", in)
		assert.True(t, want.Equal(*got), "input %q parsed to %v", in, got)
	}
	assert.Nil(t, ParseDate("next spring"))
	assert.Nil(t, ParseDate(""))
}

func TestCleanList(t *testing.T) {
	assert.Equal(t,
		[]string{"Nonprofits", "State governments"},
		CleanList([]string{" Nonprofits ", "", "nonprofits", "State governments"}))
	assert.Equal(t,
		[]string{"rural", "broadband"},
		CleanList("rural, broadband; rural"))
	assert.Nil(t, CleanList(42))
}

func TestParseBool(t *testing.T) {
	for _, tok := range []string{"true", "Yes", "1", "on"} {
		got, ok := ParseBool(tok)
		assert.True(t, ok, tok)
		assert.True(t, got, tok)
	}
	for _, tok := range []string{"false", "No", "0", "off"} {
		got, ok := ParseBool(tok)
		assert.True(t, ok, tok)
		assert.False(t, got, tok)
	}
	_, ok := ParseBool("maybe")
	assert.False(t, ok)
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want model.OpportunityStatus
	}{
		{"active", model.StatusOpen},
		{"Available", model.StatusOpen},
		{" posted ", model.StatusOpen},
		{"forecast", model.StatusForecasted},
		{"expired", model.StatusClosed},
		{"deleted", model.StatusArchived},
		{"sideways", model.StatusUnknown},
		{"", model.StatusUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeStatus(tc.in), "input %q", tc.in)
	}
}

func TestCleanText_CapsLongDescription(t *testing.T) {
	long := strings.Repeat("a", maxDescriptionLen+100)
	assert.Len(t, CleanText(long, maxDescriptionLen), maxDescriptionLen)
}

func ptr[T any](v T) *T { return &v }
