package gocbcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cbclient/gocbcore/internal/logger"
	"github.com/cbclient/gocbcore/internal/preparedcache"
	"github.com/cbclient/gocbcore/pkg/errs"
)

const queryServicePath = "/query/service"

// QueryScanConsistency selects the index-consistency mode of a query.
type QueryScanConsistency string

const (
	QueryScanNotBounded  QueryScanConsistency = "not_bounded"
	QueryScanRequestPlus QueryScanConsistency = "request_plus"
	QueryScanAtPlus      QueryScanConsistency = "at_plus"
)

// QueryProfileMode selects how much execution profiling the server
// includes in the response.
type QueryProfileMode string

const (
	QueryProfileOff     QueryProfileMode = "off"
	QueryProfilePhases  QueryProfileMode = "phases"
	QueryProfileTimings QueryProfileMode = "timings"
)

// QueryOptions shape one query request body.
type QueryOptions struct {
	Statement string

	// AdHoc skips the prepared-statement cache. When false (the
	// default) the statement is prepared on first use and executed by
	// name afterwards.
	AdHoc bool

	PositionalArgs []interface{}
	NamedArgs      map[string]interface{}

	ScanConsistency QueryScanConsistency
	ScanVectors     json.RawMessage
	ScanWait        time.Duration

	Profile  QueryProfileMode
	Metrics  bool
	Readonly bool

	UseFTS         bool
	UseReplica     string // "on" or "off"; empty omits the field
	PreserveExpiry bool

	MaxParallelism int
	PipelineBatch  int
	PipelineCap    int
	ScanCap        int

	// BucketName/ScopeName scope-qualify the query via query_context.
	BucketName string
	ScopeName  string

	ClientContextID string
	Timeout         time.Duration
}

// QueryError is one entry of a query response's errors array.
type QueryError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// QueryResult is a completed query.
type QueryResult struct {
	Rows            []json.RawMessage
	Status          string
	PreparedName    string
	ClientContextID string
	Errors          []QueryError
}

// queryEnvelope mirrors the fields of a query response this package
// interprets; everything else passes through in Rows.
type queryEnvelope struct {
	RequestID       string            `json:"requestID"`
	ClientContextID string            `json:"clientContextID"`
	Prepared        string            `json:"prepared"`
	EncodedPlan     string            `json:"encoded_plan"`
	Name            string            `json:"name"`
	Results         []json.RawMessage `json:"results"`
	Errors          []QueryError      `json:"errors"`
	Status          string            `json:"status"`
}

func (opts *QueryOptions) contextID() string {
	if opts.ClientContextID != "" {
		return opts.ClientContextID
	}
	return uuid.NewString()
}

func (a *Agent) queryTimeout(opts QueryOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return a.cfg.Timeouts.HTTP
}

// buildQueryBody serializes opts into the request body. statementKey
// is "statement" or "prepared"; statementValue its value.
func buildQueryBody(opts QueryOptions, timeout time.Duration, contextID, statementKey, statementValue, encodedPlan string, autoExecute bool) ([]byte, error) {
	body := map[string]interface{}{
		statementKey:        statementValue,
		"client_context_id": contextID,
		"timeout":           fmt.Sprintf("%dms", timeout.Milliseconds()),
	}
	if encodedPlan != "" {
		body["encoded_plan"] = encodedPlan
	}
	if autoExecute {
		body["auto_execute"] = true
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
	if opts.ScanConsistency == QueryScanAtPlus && len(opts.ScanVectors) > 0 {
		body["scan_vectors"] = opts.ScanVectors
	}
	if opts.ScanWait > 0 {
		body["scan_wait"] = fmt.Sprintf("%dms", opts.ScanWait.Milliseconds())
	}
	if opts.Profile != "" {
		body["profile"] = string(opts.Profile)
	}
	if opts.Metrics {
		body["metrics"] = true
	}
	if opts.Readonly {
		body["readonly"] = true
	}
	if opts.UseFTS {
		body["use_fts"] = true
	}
	if opts.UseReplica != "" {
		body["use_replica"] = opts.UseReplica
	}
	if opts.PreserveExpiry {
		body["preserve_expiry"] = true
	}
	if opts.MaxParallelism > 0 {
		body["max_parallelism"] = strconv.Itoa(opts.MaxParallelism)
	}
	if opts.PipelineBatch > 0 {
		body["pipeline_batch"] = strconv.Itoa(opts.PipelineBatch)
	}
	if opts.PipelineCap > 0 {
		body["pipeline_cap"] = strconv.Itoa(opts.PipelineCap)
	}
	if opts.ScanCap > 0 {
		body["scan_cap"] = strconv.Itoa(opts.ScanCap)
	}
	if opts.BucketName != "" && opts.ScopeName != "" {
		body["query_context"] = fmt.Sprintf("default:`%s`.`%s`", opts.BucketName, opts.ScopeName)
	}
	return json.Marshal(body)
}

// Query runs a query. Non-ad-hoc statements go through the
// prepared-statement cache: the first execution prepares (and, on
// clusters with enhanced prepared statements, executes in the same
// round trip), later executions reference the server-assigned name.
func (a *Agent) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	if opts.Statement == "" {
		return nil, errs.New(errs.ErrInvalidArgument)
	}
	if opts.AdHoc {
		return a.executeQuery(ctx, opts, "statement", opts.Statement, "", false)
	}

	if entry, ok := a.prepared.Get(opts.Statement); ok {
		res, err := a.executeQuery(ctx, opts, "prepared", entry.Name, entry.EncodedPlan, false)
		if err == nil || !errors.Is(err, errs.ErrPreparedStatementFailure) {
			return res, err
		}
		// Stale name; drop it and fall through to re-prepare once.
		a.prepared.Evict(opts.Statement)
		logger.Debug("re-preparing evicted statement", logger.Operation("query"))
	}
	return a.prepareAndExecute(ctx, opts)
}

// prepareAndExecute prepares opts.Statement and runs it. With
// enhanced prepared statements the PREPARE executes in the same round
// trip; otherwise the prepared name is executed separately.
func (a *Agent) prepareAndExecute(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	snap, err := a.snapshot()
	if err != nil {
		return nil, err
	}

	prepareStmt := "PREPARE " + opts.Statement
	if snap.SupportsEnhancedPreparedStatements() {
		res, err := a.executeQuery(ctx, opts, "statement", prepareStmt, "", true)
		if err != nil {
			return nil, err
		}
		if res.PreparedName != "" {
			a.prepared.Put(opts.Statement, preparedcache.Entry{Name: res.PreparedName})
		}
		return res, nil
	}

	// Older protocol: PREPARE returns {name, encoded_plan} as the
	// single result row; execution is a second round trip.
	prepRes, err := a.executeQuery(ctx, opts, "statement", prepareStmt, "", false)
	if err != nil {
		return nil, err
	}
	entry, err := parsePreparedEntry(prepRes)
	if err != nil {
		return nil, err
	}
	a.prepared.Put(opts.Statement, entry)
	return a.executeQuery(ctx, opts, "prepared", entry.Name, entry.EncodedPlan, false)
}

func parsePreparedEntry(res *QueryResult) (preparedcache.Entry, error) {
	if len(res.Rows) == 0 {
		return preparedcache.Entry{}, errs.New(errs.ErrPreparedStatementFailure)
	}
	var row struct {
		Name        string `json:"name"`
		EncodedPlan string `json:"encoded_plan"`
	}
	if err := json.Unmarshal(res.Rows[0], &row); err != nil || row.Name == "" {
		return preparedcache.Entry{}, errs.New(errs.ErrPreparedStatementFailure)
	}
	return preparedcache.Entry{Name: row.Name, EncodedPlan: row.EncodedPlan}, nil
}

func (a *Agent) executeQuery(ctx context.Context, opts QueryOptions, statementKey, statementValue, encodedPlan string, autoExecute bool) (*QueryResult, error) {
	timeout := a.queryTimeout(opts)
	contextID := opts.contextID()

	body, err := buildQueryBody(opts, timeout, contextID, statementKey, statementValue, encodedPlan, autoExecute)
	if err != nil {
		return nil, errs.New(errs.ErrInvalidArgument)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	resp, err := a.ExecuteHTTP(ctx, HTTPRequest{
		Service:       ServiceQuery,
		Method:        http.MethodPost,
		Path:          queryServicePath,
		Header:        header,
		Body:          body,
		OperationName: "query",
		Timeout:       timeout,
	})
	if err != nil {
		return nil, err
	}

	var envelope queryEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, a.httpError(errs.ErrParsingFailure, HTTPRequest{Method: http.MethodPost, Path: queryServicePath}, resp.StatusCode, resp.Body)
	}

	result := &QueryResult{
		Rows:            envelope.Results,
		Status:          envelope.Status,
		PreparedName:    envelope.Prepared,
		ClientContextID: envelope.ClientContextID,
		Errors:          envelope.Errors,
	}
	if result.ClientContextID == "" {
		result.ClientContextID = contextID
	}

	if sentinel := queryErrorSentinel(envelope.Errors); sentinel != nil {
		ec := errs.New(sentinel)
		ec.ClientContextID = result.ClientContextID
		ec.Method = http.MethodPost
		ec.Path = queryServicePath
		ec.HTTPStatus = resp.StatusCode
		ec.HTTPBody = string(resp.Body)
		return result, ec
	}
	return result, nil
}

// queryErrorSentinel maps the first recognized query error code to
// its sentinel, or nil when the response carries no errors.
func queryErrorSentinel(qErrs []QueryError) error {
	for _, e := range qErrs {
		switch {
		case e.Code == 1065, e.Code == 3000:
			return errs.ErrParsingFailure
		case e.Code == 4040, e.Code == 4050, e.Code == 4060, e.Code == 4070, e.Code == 4080, e.Code == 4090:
			return errs.ErrPreparedStatementFailure
		case e.Code == 12004, e.Code == 12016:
			return errs.ErrIndexNotFound
		case e.Code == 4300:
			return errs.ErrIndexExists
		case e.Code == 12009:
			return errs.ErrDMLFailure
		case e.Code == 13014:
			return errs.ErrAuthenticationFailure
		case e.Code >= 4000 && e.Code < 5000:
			return errs.ErrPlanningFailure
		case e.Code >= 12000 && e.Code < 13000, e.Code >= 14000 && e.Code < 15000:
			return errs.ErrIndexFailure
		case e.Code >= 5000 && e.Code < 6000:
			return errs.ErrInternalServerFailure
		}
	}
	if len(qErrs) > 0 {
		return errs.ErrInternalServerFailure
	}
	return nil
}
