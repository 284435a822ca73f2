package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastUpdated(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"numeric dashes", "Privacy Policy. Last Updated: 2024-03-01. We care.", "2024-03-01"},
		{"numeric slashes kept as written", "last updated 2023/7/4", "2023/7/4"},
		{"month first", "LAST UPDATED: January 15th, 2022", "2022-01-15"},
		{"abbreviated month", "Effective date: Sept. 3, 2021", "2021-09-03"},
		{"day first", "Last modified 5 March 2020", "2020-03-05"},
		{"earliest match in window wins", "last updated march 2, 2021 (previous 2019-01-01)", "2021-03-02"},
		{"keyword order beats position", "last modified 2018-01-01 ... effective date 2019-02-02 ... last updated 2020-03-03", "2020-03-03"},
		{"falls through to next keyword", "last updated recently." + strings.Repeat(" ", 100) + "effective date: 2022-12-31", "2022-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LastUpdated(tt.text)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestLastUpdated_NoMarker(t *testing.T) {
	assert.Nil(t, LastUpdated("We collect email addresses. Updated 2024-01-01."))
	assert.Nil(t, LastUpdated("last updated february 30, 2021"))
	assert.Nil(t, LastUpdated(""))
}

func TestLastUpdated_Window(t *testing.T) {
	// the date starts past the 100 character window
	far := "last updated " + strings.Repeat("x", 100) + " 2024-01-01"
	assert.Nil(t, LastUpdated(far))

	near := "last updated " + strings.Repeat("é", 70) + " 2024-01-01"
	got := LastUpdated(near)
	require.NotNil(t, got)
	assert.Equal(t, "2024-01-01", *got)
}

func TestNormalizeDate(t *testing.T) {
	got, ok := normalizeDate("2024", "february", "29")
	assert.True(t, ok)
	assert.Equal(t, "2024-02-29", got)

	_, ok = normalizeDate("2023", "feb", "29")
	assert.False(t, ok)

	_, ok = normalizeDate("2023", "smarch", "1")
	assert.False(t, ok)
}
