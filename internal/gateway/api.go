// ABOUTME: Plain HTTP JSON API next to MCP: list, invoke, quota status and usage reports
// ABOUTME: Every request resolves its own principal; report endpoints require the admin role

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/store"
)

const (
	maxInvokeBodySize = 1 << 20
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

// InvokeRequest is the JSON request body for POST /api/invoke.
type InvokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// InvokeResponse is the JSON response for POST /api/invoke.
type InvokeResponse struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
	Kind    string `json:"kind,omitempty"`
}

// UsageRecordResponse is one entry of GET /api/usage.
type UsageRecordResponse struct {
	ID           string `json:"id"`
	PrincipalKey string `json:"principal_key"`
	Role         string `json:"role,omitempty"`
	ToolName     string `json:"tool_name"`
	Arguments    string `json:"arguments"`
	Outcome      string `json:"outcome"`
	Result       string `json:"result"`
	CreatedAt    string `json:"created_at"`
}

// ToolStatResponse is one entry of GET /api/usage/stats.
type ToolStatResponse struct {
	ToolName string `json:"tool_name"`
	Total    int    `json:"total"`
	Success  int    `json:"success"`
	Failure  int    `json:"failure"`
	Rejected int    `json:"rejected"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tools", g.handleListTools)
	mux.HandleFunc("POST /api/invoke", g.handleInvoke)
	mux.HandleFunc("GET /api/quota", g.handleQuotaStatus)
	mux.Handle("GET /api/quota/report", g.requireAdmin(http.HandlerFunc(g.handleQuotaReport)))
	mux.Handle("GET /api/usage", g.requireAdmin(http.HandlerFunc(g.handleUsageHistory)))
	mux.Handle("GET /api/usage/stats", g.requireAdmin(http.HandlerFunc(g.handleUsageStats)))
}

// principalFromRequest resolves the request credential; nil when absent or rejected.
func (g *Gateway) principalFromRequest(r *http.Request) *auth.Principal {
	credential, _ := auth.CredentialFromRequest(r, "")
	if credential == "" {
		return nil
	}
	p, err := g.core.Resolver.Resolve(r.Context(), credential)
	if err != nil {
		g.logger.Warn("api credential rejected", "path", r.URL.Path, "error", err)
		return nil
	}
	return p
}

// requireAdmin rejects callers that are not authenticated admins.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := g.principalFromRequest(r)
		if p == nil {
			g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !p.IsAdmin() {
			g.sendJSONError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.core.Dispatcher.ListTools(r.Context()))
}

func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, err := parseInvokeRequest(http.MaxBytesReader(w, r.Body, maxInvokeBodySize))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	credential, _ := auth.CredentialFromRequest(r, "")
	res := g.core.Dispatcher.InvokeWithCredential(r.Context(), credential, req.Tool, req.Arguments)

	resp := InvokeResponse{Text: res.Text, IsError: res.IsError()}
	if res.Err != nil {
		resp.Kind = string(res.Err.Kind)
	}
	g.writeJSON(w, invokeStatus(res), resp)
}

// invokeStatus maps a result to an HTTP status. Execution failures are
// reported in the body with 200 so callers can read the backend's message.
func invokeStatus(res dispatch.Result) int {
	if res.Err == nil {
		return http.StatusOK
	}
	switch res.Err.Kind {
	case dispatch.KindNotAuthenticated:
		return http.StatusUnauthorized
	case dispatch.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case dispatch.KindToolNotFound:
		return http.StatusNotFound
	case dispatch.KindInvalidArguments:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// parseInvokeRequest decodes an InvokeRequest keeping numbers as json.Number.
func parseInvokeRequest(r io.Reader) (*InvokeRequest, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var req InvokeRequest
	if err := dec.Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Tool == "" {
		return nil, errors.New("tool is required")
	}
	return &req, nil
}

func (g *Gateway) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	p := g.principalFromRequest(r)
	if p == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	st, err := g.core.Quota.Status(r.Context(), p)
	if err != nil {
		g.logger.Error("quota status failed", "principal", p.Key(), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleQuotaReport(w http.ResponseWriter, r *http.Request) {
	report, err := g.core.Quota.Report(r.Context(), g.core.Store)
	if err != nil {
		g.logger.Error("quota report failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, report)
}

func (g *Gateway) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.UsageFilter{
		PrincipalKey: q.Get("principal"),
		ToolName:     q.Get("tool"),
		Outcome:      store.Outcome(q.Get("outcome")),
		Limit:        defaultUsageLimit,
	}
	if filter.Outcome != "" && !filter.Outcome.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "outcome must be success, failure or rejected")
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), defaultUsageLimit); err != nil || filter.Limit < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	filter.Limit = min(filter.Limit, maxUsageLimit)
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	records, err := g.core.Store.ListUsage(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list usage", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]UsageRecordResponse, len(records))
	for i, rec := range records {
		response[i] = UsageRecordResponse{
			ID:           rec.ID,
			PrincipalKey: rec.PrincipalKey,
			Role:         rec.Role,
			ToolName:     rec.ToolName,
			Arguments:    rec.Arguments,
			Outcome:      string(rec.Outcome),
			Result:       rec.Result,
			CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		}
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleUsageStats reports per-tool outcomes. ?window=today limits it to the
// current quota day; the default covers all recorded usage.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var from, until time.Time
	switch r.URL.Query().Get("window") {
	case "", "all":
	case "today":
		from, until = g.core.Quota.Today()
	default:
		g.sendJSONError(w, http.StatusBadRequest, "window must be today or all")
		return
	}

	stats, err := g.core.Store.ToolUsageStats(r.Context(), from, until)
	if err != nil {
		g.logger.Error("failed to compute usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	response := make([]ToolStatResponse, len(stats))
	for i, st := range stats {
		response[i] = ToolStatResponse(st)
	}
	g.writeJSON(w, http.StatusOK, response)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
