package gocbcore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cbclient/gocbcore/internal/httpsession"
	"github.com/cbclient/gocbcore/internal/memd"
	"github.com/cbclient/gocbcore/internal/topology"
)

// EndpointDiagnostics is one session's entry in a diagnostics report.
type EndpointDiagnostics struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	LastActivity int64  `json:"last_activity_us,omitempty"`
	State        string `json:"state"`
	Local        string `json:"local,omitempty"`
	Remote       string `json:"remote,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
}

// DiagnosticsResult is a point-in-time snapshot of every session the
// agent holds.
type DiagnosticsResult struct {
	Version  int                              `json:"version"`
	ID       string                           `json:"id"`
	SDK      string                           `json:"sdk"`
	Services map[string][]EndpointDiagnostics `json:"services"`
}

// EndpointPingReport is one probed endpoint's result.
type EndpointPingReport struct {
	ID        string `json:"id"`
	Remote    string `json:"remote"`
	Local     string `json:"local,omitempty"`
	State     string `json:"state"`
	LatencyUs int64  `json:"latency_us,omitempty"`
	Error     string `json:"error,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// PingResult is the outcome of probing every reachable service
// endpoint.
type PingResult struct {
	Version  int                             `json:"version"`
	ID       string                          `json:"id"`
	SDK      string                          `json:"sdk"`
	Services map[string][]EndpointPingReport `json:"services"`
}

// Diagnostics snapshots every live session without touching the
// network. reportID may be empty; a fresh one is generated.
func (a *Agent) Diagnostics(reportID string) DiagnosticsResult {
	if reportID == "" {
		reportID = uuid.NewString()
	}
	result := DiagnosticsResult{
		Version:  2,
		ID:       reportID,
		SDK:      a.userAgent(),
		Services: make(map[string][]EndpointDiagnostics),
	}

	a.mu.RLock()
	bucket := a.bucket
	eps := make([]*kvEndpoint, 0, len(a.kvSessions))
	for _, ep := range a.kvSessions {
		eps = append(eps, ep)
	}
	a.mu.RUnlock()

	for _, ep := range eps {
		entry := EndpointDiagnostics{
			Type:      "kv",
			ID:        ep.localID,
			State:     ep.session.State().String(),
			Local:     ep.session.LocalAddr(),
			Remote:    ep.session.RemoteAddr(),
			Namespace: bucket,
		}
		if last := ep.lastActiveTime(); !last.IsZero() {
			entry.LastActivity = time.Since(last).Microseconds()
		}
		result.Services["kv"] = append(result.Services["kv"], entry)
	}

	if a.httpPool != nil {
		for _, info := range a.httpPool.Snapshot() {
			svc := serviceName(info.Service)
			result.Services[svc] = append(result.Services[svc], EndpointDiagnostics{
				Type:   svc,
				ID:     info.ID,
				State:  httpStateName(info.State),
				Remote: info.Remote,
			})
		}
	}
	return result
}

// Ping probes every node for the requested services: a NOOP frame per
// KV session and a lightweight GET per HTTP service endpoint. A nil
// services slice probes everything the topology advertises.
func (a *Agent) Ping(ctx context.Context, services []ServiceType, reportID string) (PingResult, error) {
	if reportID == "" {
		reportID = uuid.NewString()
	}
	result := PingResult{
		Version:  2,
		ID:       reportID,
		SDK:      a.userAgent(),
		Services: make(map[string][]EndpointPingReport),
	}

	if _, err := a.snapshot(); err != nil {
		return result, err
	}

	if services == nil {
		services = []ServiceType{ServiceKeyValue, ServiceQuery, ServiceSearch, ServiceAnalytics, ServiceViews, ServiceManagement}
	}

	var httpServices []topology.Service
	for _, svc := range services {
		if svc == ServiceKeyValue {
			result.Services["kv"] = a.pingKV(ctx)
			continue
		}
		if tSvc, ok := svc.toTopology(); ok {
			httpServices = append(httpServices, tSvc)
		}
	}

	if len(httpServices) > 0 && a.httpPool != nil {
		for _, info := range a.httpPool.Ping(ctx, httpServices, pingPathFor) {
			svc := serviceName(info.Service)
			report := EndpointPingReport{
				ID:        uuid.NewString(),
				Remote:    info.Remote,
				State:     info.State,
				LatencyUs: info.LatencyMicros,
				Error:     info.Error,
			}
			result.Services[svc] = append(result.Services[svc], report)
		}
	}
	return result, nil
}

// pingKV sends a NOOP on every live KV session.
func (a *Agent) pingKV(ctx context.Context) []EndpointPingReport {
	a.mu.RLock()
	bucket := a.bucket
	eps := make([]*kvEndpoint, 0, len(a.kvSessions))
	for _, ep := range a.kvSessions {
		eps = append(eps, ep)
	}
	a.mu.RUnlock()

	reports := make([]EndpointPingReport, 0, len(eps))
	for _, ep := range eps {
		report := EndpointPingReport{
			ID:        ep.localID,
			Remote:    ep.session.RemoteAddr(),
			Local:     ep.session.LocalAddr(),
			Namespace: bucket,
		}

		start := time.Now()
		err := kvNoop(ctx, ep.session)
		switch {
		case err == nil:
			report.State = "ok"
			report.LatencyUs = time.Since(start).Microseconds()
			ep.touch()
		case ctx.Err() == context.DeadlineExceeded:
			report.State = "timeout"
		default:
			report.State = "error"
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}
	return reports
}

// kvNoop round-trips one NOOP frame on session.
func kvNoop(ctx context.Context, session *memd.Session) error {
	ch := make(chan error, 1)
	pkt := memd.Packet{Opcode: memd.OpNoop, Opaque: session.NextOpaque()}
	if err := session.Dispatch(pkt, func(_ memd.Packet, err error) {
		ch <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		session.Cancel(pkt.Opaque)
		return ctx.Err()
	}
}

// pingPathFor picks the lightweight health endpoint probed per
// service.
func pingPathFor(svc topology.Service) string {
	switch svc {
	case topology.ServiceQuery:
		return "/admin/ping"
	case topology.ServiceSearch:
		return "/api/ping"
	case topology.ServiceAnalytics:
		return "/admin/ping"
	case topology.ServiceViews:
		return "/"
	case topology.ServiceManagement:
		return "/pools"
	default:
		return "/"
	}
}

func serviceName(svc topology.Service) string {
	switch svc {
	case topology.ServiceKV:
		return "kv"
	case topology.ServiceQuery:
		return "query"
	case topology.ServiceSearch:
		return "search"
	case topology.ServiceAnalytics:
		return "analytics"
	case topology.ServiceViews:
		return "views"
	case topology.ServiceManagement:
		return "mgmt"
	default:
		return string(svc)
	}
}

func httpStateName(st httpsession.State) string {
	switch st {
	case httpsession.StateIdle:
		return "idle"
	case httpsession.StateBusy:
		return "busy"
	default:
		return "stopped"
	}
}
