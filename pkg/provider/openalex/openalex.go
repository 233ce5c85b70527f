// Package openalex adapts the OpenAlex REST API to the provider
// Metadata interface
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/provider"
)

const defaultBaseURL = "https://api.openalex.org"

// Client queries OpenAlex works records
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client against the public OpenAlex API
func New() *Client {
	return &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithBaseURL creates a client against a custom endpoint
func NewWithBaseURL(baseURL string) *Client {
	c := New()
	c.baseURL = baseURL
	return c
}

// Name identifies the provider
func (c *Client) Name() string {
	return "openalex"
}

type work struct {
	DOI             string  `json:"doi"`
	DisplayName     string  `json:"display_name"`
	PublicationYear int     `json:"publication_year"`
	RelevanceScore  float64 `json:"relevance_score"`
	Authorships     []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	PrimaryLocation struct {
		Source struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
}

// LookupDOI resolves a DOI to its works record
func (c *Client) LookupDOI(ctx context.Context, doi string) (*provider.Candidate, error) {
	var w work
	endpoint := c.baseURL + "/works/doi:" + url.PathEscape(doi)
	if err := c.get(ctx, "lookup_doi", endpoint, &w); err != nil {
		return nil, err
	}
	return candidateFrom(&w), nil
}

// SearchTitle returns the most relevant works record for a title query
func (c *Client) SearchTitle(ctx context.Context, title string) (*provider.Candidate, error) {
	var body struct {
		Results []work `json:"results"`
	}
	endpoint := c.baseURL + "/works?per_page=1&search=" + url.QueryEscape(title)
	if err := c.get(ctx, "search_title", endpoint, &body); err != nil {
		return nil, err
	}
	if len(body.Results) == 0 {
		return nil, &qerrors.NotFoundError{Kind: "metadata", ID: title}
	}
	return candidateFrom(&body.Results[0]), nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &qerrors.ProviderError{Provider: c.Name(), Op: op, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &qerrors.ProviderError{Provider: c.Name(), Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &qerrors.NotFoundError{Kind: "metadata", ID: endpoint}
	}
	if resp.StatusCode != http.StatusOK {
		return &qerrors.ProviderError{
			Provider: c.Name(),
			Op:       op,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &qerrors.ProviderError{Provider: c.Name(), Op: op, Err: err}
	}
	return nil
}

func candidateFrom(w *work) *provider.Candidate {
	candidate := &provider.Candidate{
		// OpenAlex returns DOIs as full https://doi.org/ URLs
		DOI:    strings.TrimPrefix(w.DOI, "https://doi.org/"),
		Title:  w.DisplayName,
		Year:   w.PublicationYear,
		Venue:  w.PrimaryLocation.Source.DisplayName,
		Source: "openalex",
		Score:  w.RelevanceScore,
	}
	for _, a := range w.Authorships {
		candidate.Authors = append(candidate.Authors, a.Author.DisplayName)
	}
	return candidate
}
