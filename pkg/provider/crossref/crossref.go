// Package crossref adapts the Crossref REST API to the provider
// Metadata interface
package crossref

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/provider"
)

const defaultBaseURL = "https://api.crossref.org"

// Client queries Crossref works records
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client against the public Crossref API
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
	return "crossref"
}

type work struct {
	DOI            string     `json:"DOI"`
	Title          []string   `json:"title"`
	Author         []author   `json:"author"`
	Issued         dateParts  `json:"issued"`
	ContainerTitle []string   `json:"container-title"`
	Abstract       string     `json:"abstract"`
	Score          float64    `json:"score"`
}

type author struct {
	Given  string `json:"given"`
	Family string `json:"family"`
}

type dateParts struct {
	DateParts [][]int `json:"date-parts"`
}

// LookupDOI resolves a DOI to its works record
func (c *Client) LookupDOI(ctx context.Context, doi string) (*provider.Candidate, error) {
	var body struct {
		Message work `json:"message"`
	}
	endpoint := c.baseURL + "/works/" + url.PathEscape(doi)
	if err := c.get(ctx, "lookup_doi", endpoint, &body); err != nil {
		return nil, err
	}
	return candidateFrom(&body.Message), nil
}

// SearchTitle returns the best-scoring works record for a title query
func (c *Client) SearchTitle(ctx context.Context, title string) (*provider.Candidate, error) {
	var body struct {
		Message struct {
			Items []work `json:"items"`
		} `json:"message"`
	}
	endpoint := c.baseURL + "/works?rows=1&query.title=" + url.QueryEscape(title)
	if err := c.get(ctx, "search_title", endpoint, &body); err != nil {
		return nil, err
	}
	if len(body.Message.Items) == 0 {
		return nil, &qerrors.NotFoundError{Kind: "metadata", ID: title}
	}
	return candidateFrom(&body.Message.Items[0]), nil
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
		DOI:      w.DOI,
		Abstract: w.Abstract,
		Source:   "crossref",
		Score:    w.Score,
	}
	if len(w.Title) > 0 {
		candidate.Title = w.Title[0]
	}
	if len(w.ContainerTitle) > 0 {
		candidate.Venue = w.ContainerTitle[0]
	}
	for _, a := range w.Author {
		name := a.Given + " " + a.Family
		if a.Given == "" {
			name = a.Family
		}
		candidate.Authors = append(candidate.Authors, name)
	}
	if len(w.Issued.DateParts) > 0 && len(w.Issued.DateParts[0]) > 0 {
		candidate.Year = w.Issued.DateParts[0][0]
	}
	return candidate
}
