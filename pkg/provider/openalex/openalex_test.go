package openalex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
)

const workBody = `{
	"doi": "https://doi.org/10.1/x",
	"display_name": "A Paper",
	"publication_year": 2022,
	"relevance_score": 7.5,
	"authorships": [
		{"author": {"display_name": "Jane Doe"}},
		{"author": {"display_name": "John Roe"}}
	],
	"primary_location": {"source": {"display_name": "Journal of Tests"}}
}`

func TestLookupDOI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.String(), "/works/doi:")
		w.Write([]byte(workBody))
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL)
	candidate, err := client.LookupDOI(context.Background(), "10.1/x")
	require.NoError(t, err)

	assert.Equal(t, "10.1/x", candidate.DOI)
	assert.Equal(t, "A Paper", candidate.Title)
	assert.Equal(t, []string{"Jane Doe", "John Roe"}, candidate.Authors)
	assert.Equal(t, 2022, candidate.Year)
	assert.Equal(t, "Journal of Tests", candidate.Venue)
	assert.Equal(t, "openalex", candidate.Source)
}

func TestSearchTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "A Paper", r.URL.Query().Get("search"))
		w.Write([]byte(`{"results": [` + workBody + `]}`))
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL)
	candidate, err := client.SearchTitle(context.Background(), "A Paper")
	require.NoError(t, err)
	assert.Equal(t, "A Paper", candidate.Title)
	assert.InDelta(t, 7.5, candidate.Score, 0.001)
}

func TestSearchTitleEmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL)
	_, err := client.SearchTitle(context.Background(), "Nothing")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestNotFoundStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL)
	_, err := client.LookupDOI(context.Background(), "10.1/missing")
	assert.True(t, qerrors.IsNotFound(err))
}
