package gocbcore

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cbclient/gocbcore/internal/httpsession"
	"github.com/cbclient/gocbcore/internal/reporter"
	"github.com/cbclient/gocbcore/internal/topology"
	"github.com/cbclient/gocbcore/pkg/errs"
	"github.com/cbclient/gocbcore/pkg/metrics"
)

// ServiceType identifies one of the cluster's HTTP-fronted services.
type ServiceType string

const (
	ServiceKeyValue   ServiceType = "kv"
	ServiceQuery      ServiceType = "query"
	ServiceSearch     ServiceType = "search"
	ServiceAnalytics  ServiceType = "analytics"
	ServiceViews      ServiceType = "views"
	ServiceManagement ServiceType = "mgmt"
)

func (s ServiceType) toTopology() (topology.Service, bool) {
	switch s {
	case ServiceQuery:
		return topology.ServiceQuery, true
	case ServiceSearch:
		return topology.ServiceSearch, true
	case ServiceAnalytics:
		return topology.ServiceAnalytics, true
	case ServiceViews:
		return topology.ServiceViews, true
	case ServiceManagement:
		return topology.ServiceManagement, true
	default:
		return "", false
	}
}

// HTTPRequest is the envelope a service module hands the agent:
// method, path, headers and body; the agent supplies node selection,
// authorization, and the user-agent.
type HTTPRequest struct {
	Service ServiceType
	Method  string
	Path    string
	Header  http.Header
	Body    []byte

	// OperationName labels the request for metrics and the threshold
	// reporter ("query", "search", ...). Defaults to the service name.
	OperationName string

	// Timeout overrides the configured HTTP default.
	Timeout time.Duration

	// RowConsumer streams the response body chunk-wise instead of
	// buffering it; the returned HTTPResponse then carries no body.
	RowConsumer func(chunk []byte) error
}

// HTTPResponse is a completed request's envelope.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ExecuteHTTP dispatches req via the HTTP session pool. Transport
// failures and the envelope-level statuses (authentication, rate and
// quota limits) surface as errors; service-level error bodies come
// back in the response for the service module to decode.
func (a *Agent) ExecuteHTTP(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	svc, ok := req.Service.toTopology()
	if !ok {
		return nil, errs.New(errs.ErrInvalidArgument)
	}
	if _, err := a.snapshot(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.cfg.Timeouts.HTTP
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opName := req.OperationName
	if opName == "" {
		opName = string(req.Service)
	}

	var body *bytes.Reader
	poolReq := httpsession.Request{
		Method:      req.Method,
		Path:        req.Path,
		Header:      req.Header,
		RowConsumer: req.RowConsumer,
	}
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
		poolReq.Body = body
	}

	start := time.Now()
	resp, err := a.httpPool.Execute(ctx, svc, poolReq)
	elapsed := time.Since(start)

	metrics.RecordLatency(string(req.Service), opName, elapsed.Microseconds())
	a.thresholds.RecordSpan(reporter.SpanRecord{
		ConnectionID:  a.clientID,
		OperationName: opName,
		TotalMicros:   uint64(elapsed.Microseconds()),
		Service:       string(req.Service),
	})

	if err != nil {
		return nil, a.httpError(err, req, 0, nil)
	}

	out := &HTTPResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
	if sentinel := classifyHTTPStatus(resp.StatusCode, resp.Body); sentinel != nil {
		return out, a.httpError(sentinel, req, resp.StatusCode, resp.Body)
	}
	return out, nil
}

// classifyHTTPStatus maps envelope-level statuses to sentinels.
// Anything else is the service module's to interpret.
func classifyHTTPStatus(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrAuthenticationFailure
	case http.StatusTooManyRequests:
		text := string(body)
		if strings.Contains(text, "Maximum number of collections has been reached for scope") {
			return errs.ErrQuotaLimited
		}
		if strings.Contains(text, "Limit(s) exceeded") {
			return errs.ErrRateLimited
		}
		return errs.ErrRateLimited
	default:
		return nil
	}
}

// httpError wraps cause in a Context carrying the request shape.
func (a *Agent) httpError(cause error, req HTTPRequest, status int, body []byte) error {
	var ec *errs.Context
	if e, ok := cause.(*errs.Context); ok {
		ec = e
	} else {
		ec = errs.New(cause)
	}
	ec.Method = req.Method
	ec.Path = req.Path
	ec.HTTPStatus = status
	ec.HTTPBody = string(body)
	return ec
}
