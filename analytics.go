package gocbcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cbclient/gocbcore/pkg/errs"
)

const analyticsServicePath = "/analytics/service"

// AnalyticsOptions shape one analytics request body. Analytics shares
// the query body's core fields with a smaller option surface.
type AnalyticsOptions struct {
	Statement string

	PositionalArgs []interface{}
	NamedArgs      map[string]interface{}

	ScanConsistency QueryScanConsistency
	Readonly        bool

	// Priority asks the service to run this request ahead of normal
	// work, carried as the analytics priority header.
	Priority bool

	// QueryContext scope-qualifies the statement, e.g.
	// "default:`bucket`.`scope`".
	QueryContext string

	ClientContextID string
	Timeout         time.Duration
}

// AnalyticsResult is a completed analytics request.
type AnalyticsResult struct {
	Rows            []json.RawMessage
	Status          string
	ClientContextID string
	Errors          []QueryError
}

// Analytics runs one analytics statement.
func (a *Agent) Analytics(ctx context.Context, opts AnalyticsOptions) (*AnalyticsResult, error) {
	if opts.Statement == "" {
		return nil, errs.New(errs.ErrInvalidArgument)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.cfg.Timeouts.HTTP
	}
	contextID := opts.ClientContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}

	body := map[string]interface{}{
		"statement":         opts.Statement,
		"client_context_id": contextID,
		"timeout":           fmt.Sprintf("%dms", timeout.Milliseconds()),
	}
	if len(opts.PositionalArgs) > 0 {
		body["args"] = opts.PositionalArgs
	}
	for name, value := range opts.NamedArgs {
		body["$"+name] = value
	}
	if opts.ScanConsistency != "" {
		body["scan_consistency"] = string(opts.ScanConsistency)
	}
	if opts.Readonly {
		body["readonly"] = true
	}
	if opts.QueryContext != "" {
		body["query_context"] = opts.QueryContext
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.ErrInvalidArgument)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if opts.Priority {
		header.Set("Analytics-Priority", "-1")
	}

	resp, err := a.ExecuteHTTP(ctx, HTTPRequest{
		Service:       ServiceAnalytics,
		Method:        http.MethodPost,
		Path:          analyticsServicePath,
		Header:        header,
		Body:          payload,
		OperationName: "analytics",
		Timeout:       timeout,
	})
	if err != nil {
		return nil, err
	}

	var envelope queryEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, a.httpError(errs.ErrParsingFailure,
			HTTPRequest{Method: http.MethodPost, Path: analyticsServicePath}, resp.StatusCode, resp.Body)
	}

	result := &AnalyticsResult{
		Rows:            envelope.Results,
		Status:          envelope.Status,
		ClientContextID: envelope.ClientContextID,
		Errors:          envelope.Errors,
	}
	if result.ClientContextID == "" {
		result.ClientContextID = contextID
	}

	if sentinel := analyticsErrorSentinel(envelope.Errors); sentinel != nil {
		ec := errs.New(sentinel)
		ec.ClientContextID = result.ClientContextID
		ec.Method = http.MethodPost
		ec.Path = analyticsServicePath
		ec.HTTPStatus = resp.StatusCode
		ec.HTTPBody = string(resp.Body)
		return result, ec
	}
	return result, nil
}

// analyticsErrorSentinel maps the first recognized analytics error
// code to its sentinel.
func analyticsErrorSentinel(aErrs []QueryError) error {
	for _, e := range aErrs {
		switch {
		case e.Code == 23007:
			return errs.ErrJobQueueFull
		case e.Code == 24044, e.Code == 24045, e.Code == 24025:
			return errs.ErrDatasetNotFound
		case e.Code == 24034:
			return errs.ErrDataverseNotFound
		case e.Code == 24040:
			return errs.ErrDatasetExists
		case e.Code == 24039:
			return errs.ErrDataverseExists
		case e.Code == 24006:
			return errs.ErrLinkNotFound
		case e.Code == 24055:
			return errs.ErrLinkExists
		case e.Code == 20000, e.Code == 20001:
			return errs.ErrAuthenticationFailure
		case e.Code == 23000, e.Code == 23003:
			return errs.ErrTemporaryFailure
		case e.Code >= 24000 && e.Code < 25000:
			return errs.ErrCompilationFailure
		}
	}
	if len(aErrs) > 0 {
		return errs.ErrInternalServerFailure
	}
	return nil
}
