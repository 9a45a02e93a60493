package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/qc"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/review"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/stats"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/tableio"
)

const maxBodyBytes = 1 << 20

// DefaultReplicateGroup identifies replicate samples for the pooled standard
// deviation when the request names no grouping.
var DefaultReplicateGroup = []string{"site_id", "line_out_depth", "collected"}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Store         store.Store
	Review        *review.Service
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	StoragePath   string
	Version       string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

// writeServiceError maps review and engine errors onto HTTP statuses. Messages
// of unexpected errors are not exposed.
func writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, review.ErrNotFound):
		writeError(w, http.StatusNotFound, "dataset not found")
	case errors.Is(err, review.ErrInvalidRequest), errors.Is(err, qc.ErrConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, review.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

type datasetResponse struct {
	Name      string         `json:"name"`
	Key       string         `json:"key"`
	Columns   []string       `json:"columns"`
	Records   int            `json:"records"`
	Oldest    *time.Time     `json:"oldest,omitempty"`
	Newest    *time.Time     `json:"newest,omitempty"`
	QC        *review.Status `json:"qc,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (h *Handlers) describe(r *http.Request, d *store.Dataset) datasetResponse {
	resp := datasetResponse{
		Name:      d.Name,
		Key:       d.Key,
		Columns:   d.Columns,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if n, err := h.Store.GetRecordCount(r.Context(), d.Name); err == nil {
		resp.Records = n
	}
	if oldest, newest, err := h.Store.GetDataRange(r.Context(), d.Name); err == nil && !oldest.IsZero() {
		resp.Oldest = &oldest
		resp.Newest = &newest
	}
	if h.Review != nil {
		if st, ok := h.Review.Status(d.Name); ok {
			resp.QC = &st
		}
	}
	return resp
}

// ListDatasets handles GET /api/v1/datasets
func (h *Handlers) ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.Store.GetDatasets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list datasets")
		return
	}
	result := make([]datasetResponse, 0, len(datasets))
	for i := range datasets {
		result = append(result, h.describe(r, &datasets[i]))
	}
	writeJSON(w, http.StatusOK, result)
}

// GetDataset handles GET /api/v1/datasets/{dataset}
func (h *Handlers) GetDataset(w http.ResponseWriter, r *http.Request) {
	d, err := h.Store.GetDataset(r.Context(), r.PathValue("dataset"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dataset")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, h.describe(r, d))
}

// GetRecords handles GET /api/v1/datasets/{dataset}/records
//
// Query parameters: view (stored|resolved, default resolved), fill (NA and 9
// for empty flag columns), flags_only, limit and offset.
func (h *Handlers) GetRecords(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("dataset")
	q := r.URL.Query()

	view := q.Get("view")
	if view == "" {
		view = "resolved"
	}
	var (
		t   *record.Table
		err error
	)
	switch view {
	case "resolved":
		t, err = h.Review.Resolved(r.Context(), name)
	case "stored":
		t, err = h.Review.Table(r.Context(), name)
	default:
		writeError(w, http.StatusBadRequest, "invalid 'view' parameter (stored or resolved)")
		return
	}
	if err != nil {
		writeServiceError(w, err, "failed to get records")
		return
	}

	if parseBool(q.Get("flags_only")) {
		t = tableio.FlagColumns(t)
	}
	if parseBool(q.Get("fill")) {
		qc.FillMissingFlags(t)
	}

	limit := 1000
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	rows := t.Rows
	total := len(rows)
	if offset >= len(rows) {
		rows = nil
	} else {
		rows = rows[offset:]
	}
	if limit < len(rows) {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []record.Row{}
	}

	type recordsResponse struct {
		Dataset string       `json:"dataset"`
		View    string       `json:"view"`
		Key     string       `json:"key"`
		Columns []string     `json:"columns"`
		Total   int          `json:"total"`
		Limit   int          `json:"limit"`
		Offset  int          `json:"offset"`
		Records []record.Row `json:"records"`
	}
	writeJSON(w, http.StatusOK, recordsResponse{
		Dataset: name,
		View:    view,
		Key:     t.Key,
		Columns: t.Columns(),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		Records: rows,
	})
}

// RunQC handles POST /api/v1/datasets/{dataset}/qc
func (h *Handlers) RunQC(w http.ResponseWriter, r *http.Request) {
	var req review.QCRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	res, err := h.Review.RunQC(r.Context(), r.PathValue("dataset"), req)
	if err != nil {
		writeServiceError(w, err, "failed to run qc")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApplyFlags handles POST /api/v1/datasets/{dataset}/flags
func (h *Handlers) ApplyFlags(w http.ResponseWriter, r *http.Request) {
	var req review.ManualRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = r.Header.Get("X-Reviewer")
	}
	res, err := h.Review.ApplyManual(r.Context(), r.PathValue("dataset"), req)
	if err != nil {
		writeServiceError(w, err, "failed to apply flags")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetFlagSummary handles GET /api/v1/datasets/{dataset}/flags/summary
func (h *Handlers) GetFlagSummary(w http.ResponseWriter, r *http.Request) {
	variable := r.URL.Query().Get("variable")
	if variable == "" {
		writeError(w, http.StatusBadRequest, "missing 'variable' parameter")
		return
	}
	shares, err := h.Review.Summary(r.Context(), r.PathValue("dataset"), variable)
	if err != nil {
		writeServiceError(w, err, "failed to summarize flags")
		return
	}

	type summaryResponse struct {
		Dataset  string            `json:"dataset"`
		Variable string            `json:"variable"`
		Column   string            `json:"column"`
		Flags    []stats.FlagShare `json:"flags"`
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Dataset:  r.PathValue("dataset"),
		Variable: variable,
		Column:   h.Review.Resolver().Resolve(variable),
		Flags:    shares,
	})
}

// GetCastFlags handles GET /api/v1/datasets/{dataset}/casts
func (h *Handlers) GetCastFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	variable := q.Get("variable")
	if variable == "" {
		writeError(w, http.StatusBadRequest, "missing 'variable' parameter")
		return
	}
	castColumn := q.Get("cast")
	if castColumn == "" {
		castColumn = "hakai_id"
	}
	casts, err := h.Review.CastSuggestions(r.Context(), r.PathValue("dataset"), variable, castColumn)
	if err != nil {
		writeServiceError(w, err, "failed to suggest cast flags")
		return
	}

	type castResponse struct {
		Cast     string `json:"cast"`
		Flag     string `json:"flag"`
		Comments string `json:"comments,omitempty"`
	}
	result := make([]castResponse, len(casts))
	for i, c := range casts {
		result[i] = castResponse{Cast: c.Cast, Flag: string(c.Flag), Comments: c.Comments}
	}
	writeJSON(w, http.StatusOK, result)
}

// GetPooledStd handles GET /api/v1/datasets/{dataset}/statistics/pooled
func (h *Handlers) GetPooledStd(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	variables := splitList(q.Get("variables"))
	if len(variables) == 0 {
		writeError(w, http.StatusBadRequest, "missing 'variables' parameter")
		return
	}
	groupBy := splitList(q.Get("group_by"))
	if len(groupBy) == 0 {
		groupBy = DefaultReplicateGroup
	}

	t, err := h.Review.Resolved(r.Context(), r.PathValue("dataset"))
	if err != nil {
		writeServiceError(w, err, "failed to get records")
		return
	}
	pooled, err := stats.SamplePooledStd(t, variables, groupBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	type pooledResponse struct {
		Dataset string              `json:"dataset"`
		GroupBy []string            `json:"group_by"`
		Pooled  map[string]*float64 `json:"pooled_std"`
	}
	resp := pooledResponse{Dataset: r.PathValue("dataset"), GroupBy: groupBy, Pooled: make(map[string]*float64, len(pooled))}
	for v, s := range pooled {
		resp.Pooled[v] = finite(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetInterannual handles GET /api/v1/datasets/{dataset}/statistics/interannual
func (h *Handlers) GetInterannual(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	variables := splitList(q.Get("variables"))
	if len(variables) == 0 {
		writeError(w, http.StatusBadRequest, "missing 'variables' parameter")
		return
	}
	opts := stats.InterannualOptions{
		Site:      "site_id",
		Depth:     "line_out_depth",
		Time:      "collected",
		Variables: variables,
		Grid:      q.Get("grid"),
	}
	if v := q.Get("site"); v != "" {
		opts.Site = v
	}
	if v := q.Get("depth"); v != "" {
		opts.Depth = v
	}
	if v := q.Get("time"); v != "" {
		opts.Time = v
	}

	t, err := h.Review.Resolved(r.Context(), r.PathValue("dataset"))
	if err != nil {
		writeServiceError(w, err, "failed to get records")
		return
	}
	rows, err := stats.Interannual(t, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	type interannualRow struct {
		Site      string   `json:"site"`
		Depth     float64  `json:"depth"`
		Variable  string   `json:"variable"`
		DayOfYear float64  `json:"day_of_year"`
		Mean      *float64 `json:"mean"`
		Std       *float64 `json:"std"`
		Years     int      `json:"years"`
	}
	result := make([]interannualRow, len(rows))
	for i, row := range rows {
		result[i] = interannualRow{
			Site:      row.Site,
			Depth:     row.Depth,
			Variable:  row.Variable,
			DayOfYear: row.DayOfYear,
			Mean:      finite(row.Mean),
			Std:       finite(row.Std),
			Years:     row.Years,
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type datasetHealth struct {
		Name            string `json:"name"`
		Records         int    `json:"records"`
		QCRunning       bool   `json:"qc_running"`
		LastQCRun       string `json:"last_qc_run,omitempty"`
		QCErrors        int    `json:"qc_errors"`
		DataRangeOldest string `json:"data_range_oldest,omitempty"`
		DataRangeNewest string `json:"data_range_newest,omitempty"`
	}
	type dbHealth struct {
		Driver       string `json:"driver"`
		Path         string `json:"path,omitempty"`
		Status       string `json:"status"`
		SizeBytes    int64  `json:"size_bytes,omitempty"`
		TotalRecords int    `json:"total_records"`
	}
	type healthResponse struct {
		Status      string          `json:"status"`
		Version     string          `json:"version"`
		Uptime      string          `json:"uptime"`
		Subscribers int             `json:"event_subscribers"`
		Datasets    []datasetHealth `json:"datasets"`
		Database    dbHealth        `json:"database"`
	}

	resp := healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
	}
	// Database health (path omitted to avoid exposing filesystem details).
	resp.Database = dbHealth{
		Driver: h.StorageDriver,
		Status: "ok",
	}

	datasets, err := h.Store.GetDatasets(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Database.Status = "error"
	}
	for _, d := range datasets {
		dh := datasetHealth{Name: d.Name}
		if n, err := h.Store.GetRecordCount(r.Context(), d.Name); err == nil {
			dh.Records = n
			resp.Database.TotalRecords += n
		}
		if oldest, newest, err := h.Store.GetDataRange(r.Context(), d.Name); err == nil && !oldest.IsZero() {
			dh.DataRangeOldest = oldest.Format(time.DateOnly)
			dh.DataRangeNewest = newest.Format(time.DateOnly)
		}
		if h.Review != nil {
			if st, ok := h.Review.Status(d.Name); ok {
				dh.QCRunning = st.Running
				dh.QCErrors = st.ErrorCount
				if !st.LastRunAt.IsZero() {
					dh.LastQCRun = st.LastRunAt.Format(time.RFC3339)
				}
			}
		}
		resp.Datasets = append(resp.Datasets, dh)
	}
	if h.Review != nil {
		resp.Subscribers = h.Review.Hub().Subscribers()
	}

	if h.StorageDriver == "sqlite" && h.StoragePath != "" {
		if info, err := os.Stat(h.StoragePath); err == nil {
			resp.Database.SizeBytes = info.Size()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
