package gocbcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cbclient/gocbcore/pkg/errs"
)

// SearchOptions shape one full-text search request.
type SearchOptions struct {
	// IndexName is required; it travels in the request path.
	IndexName string

	// Query is the search query JSON (match, term, conjuncts, ...).
	Query json.RawMessage

	Size    int // result limit
	From    int // result skip
	Explain bool

	Highlight json.RawMessage
	Fields    []string
	Sort      []interface{}
	Facets    map[string]interface{}

	// Consistency is the ctl.consistency level; ConsistencyVectors
	// pins specific mutation tokens when the level requires them.
	Consistency        string
	ConsistencyVectors map[string]map[string]interface{}

	// Collections restricts the search to named collections of a
	// scope-indexed FTS index.
	Collections []string

	Timeout time.Duration
}

// SearchResult is a completed search request, envelope-level: hits
// stay raw for the caller to decode.
type SearchResult struct {
	Status    json.RawMessage   `json:"status"`
	Hits      []json.RawMessage `json:"hits"`
	TotalHits uint64            `json:"total_hits"`
	MaxScore  float64           `json:"max_score"`
	TookNanos uint64            `json:"took"`
}

// Search runs one full-text search request against the named index.
func (a *Agent) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	if opts.IndexName == "" || len(opts.Query) == 0 {
		return nil, errs.New(errs.ErrInvalidArgument)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.cfg.Timeouts.HTTP
	}

	body := map[string]interface{}{
		"query": opts.Query,
	}
	if opts.Size > 0 {
		body["size"] = opts.Size
	}
	if opts.From > 0 {
		body["from"] = opts.From
	}
	if opts.Explain {
		body["explain"] = true
	}
	if len(opts.Highlight) > 0 {
		body["highlight"] = opts.Highlight
	}
	if len(opts.Fields) > 0 {
		body["fields"] = opts.Fields
	}
	if len(opts.Sort) > 0 {
		body["sort"] = opts.Sort
	}
	if len(opts.Facets) > 0 {
		body["facets"] = opts.Facets
	}
	if opts.Consistency != "" {
		ctl := map[string]interface{}{"consistency": map[string]interface{}{"level": opts.Consistency}}
		if len(opts.ConsistencyVectors) > 0 {
			ctl["consistency"].(map[string]interface{})["vectors"] = opts.ConsistencyVectors
		}
		body["ctl"] = ctl
	}
	if len(opts.Collections) > 0 {
		body["collections"] = opts.Collections
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.ErrInvalidArgument)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	path := fmt.Sprintf("/api/index/%s/query", opts.IndexName)
	resp, err := a.ExecuteHTTP(ctx, HTTPRequest{
		Service:       ServiceSearch,
		Method:        http.MethodPost,
		Path:          path,
		Header:        header,
		Body:          payload,
		OperationName: "search",
		Timeout:       timeout,
	})
	if err != nil {
		return nil, err
	}

	if sentinel := searchErrorSentinel(resp.StatusCode, resp.Body); sentinel != nil {
		return nil, a.httpError(sentinel, HTTPRequest{Method: http.MethodPost, Path: path}, resp.StatusCode, resp.Body)
	}

	var result SearchResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, a.httpError(errs.ErrParsingFailure,
			HTTPRequest{Method: http.MethodPost, Path: path}, resp.StatusCode, resp.Body)
	}
	return &result, nil
}

// searchErrorSentinel interprets the search service's error shape:
// it reports failures via status codes and an error string body.
func searchErrorSentinel(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return errs.ErrIndexNotFound
	case status == http.StatusBadRequest &&
		(strings.Contains(string(body), "no planPIndexes") ||
			strings.Contains(string(body), "pindex_consistency")):
		return errs.ErrIndexNotReady
	case status >= 500:
		return errs.ErrInternalServerFailure
	default:
		return errs.ErrInternalServerFailure
	}
}
