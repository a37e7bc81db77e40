// Package httpapi exposes the engine's operations over the HTTP/JSON
// surface (spec §6). It depends only on the root tsdb package's public
// Engine API; all request/response shapes are plain encoding/json structs
// over net/http's method-and-pattern ServeMux (Go 1.22+), which is this
// repo's router — no example in the pack demonstrates actual router
// middleware source (the pack's gorilla/mux and go-chi entries are
// go.mod-only manifests with no handler code to learn an idiom from), so
// this layer stays on the standard library rather than guess at a
// convention nothing in the corpus actually shows.
package httpapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/flowmetrics/tsdb"
	"github.com/flowmetrics/tsdb/internal/logging"
)

// Version is the service version reported by /health.
const Version = "1.0.0"

// Server adapts an *tsdb.Engine to net/http.
type Server struct {
	engine *tsdb.Engine
	log    logging.Logger
	mux    *http.ServeMux
}

// New builds a Server and registers every route named in spec §6.
func New(engine *tsdb.Engine, log logging.Logger) *Server {
	s := &Server{engine: engine, log: logging.OrDefault(log), mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, so a Server can be passed directly to
// http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.logged(s.handleHealth))
	s.mux.HandleFunc("GET /stats", s.logged(s.handleStats))
	s.mux.HandleFunc("POST /api/v1/datapoints", s.logged(s.handleInsert))
	s.mux.HandleFunc("POST /api/v1/datapoints/batch", s.logged(s.handleBatch))
	s.mux.HandleFunc("GET /api/v1/series/{key}/datapoints", s.logged(s.handleDatapointsGet))
	s.mux.HandleFunc("PUT /api/v1/series/{key}/datapoints/{ts}", s.logged(s.handleDatapointPut))
	s.mux.HandleFunc("DELETE /api/v1/series/{key}/datapoints/{ts}", s.logged(s.handleDatapointDelete))
	s.mux.HandleFunc("GET /api/v1/series", s.logged(s.handleSeriesList))
	s.mux.HandleFunc("GET /api/v1/series/{key}", s.logged(s.handleSeriesInfo))
	s.mux.HandleFunc("DELETE /api/v1/series/{key}", s.logged(s.handleSeriesDelete))
	s.mux.HandleFunc("POST /api/v1/admin/compact", s.logged(s.handleCompact))
}

func (s *Server) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debugf(logging.NSHTTP + fmt.Sprintf("%s %s", r.Method, r.URL.Path))
		h(w, r)
	}
}

// envelope is the standard response shape for every endpoint except
// /health (spec §6, "Standard envelope").
type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data, Timestamp: time.Now().Unix()})
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := tsdb.KindOf(err); ok {
		switch kind {
		case tsdb.KindValidation:
			status = http.StatusBadRequest
		case tsdb.KindNotFound:
			status = http.StatusNotFound
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, envelope{Success: false, Message: err.Error(), Data: nil, Timestamp: time.Now().Unix()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, envelope{
		Success:   false,
		Message:   fmt.Sprintf(format, args...),
		Data:      nil,
		Timestamp: time.Now().Unix(),
	})
}

type healthResponse struct {
	Status    string   `json:"status"`
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Timestamp int64    `json:"timestamp"`
	Features  []string `json:"features"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   "tsdb",
		Version:   Version,
		Timestamp: time.Now().Unix(),
		Features:  []string{"gorilla-compression", "mmap-sstables", "lsm-compaction"},
	})
}

type statsData struct {
	StorageEngine string `json:"storage_engine"`
	Compression   string `json:"compression"`
	MemoryMapping bool   `json:"memory_mapping"`
	Status        string `json:"status"`
	MemtableSize  int    `json:"memtable_size"`
	SSTableCount  int    `json:"sstable_count"`
	TotalSeries   int    `json:"total_series"`
	Timestamp     int64  `json:"timestamp"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeOK(w, "ok", statsData{
		StorageEngine: "lsm",
		Compression:   stats.Compression,
		MemoryMapping: true,
		Status:        "healthy",
		MemtableSize:  stats.MemtableSize,
		SSTableCount:  stats.SSTableCount,
		TotalSeries:   stats.TotalSeries,
		Timestamp:     time.Now().Unix(),
	})
}

type pointRequest struct {
	SeriesKey string            `json:"series_key"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func (p pointRequest) toPoint() tsdb.Point {
	return tsdb.Point{SeriesKey: p.SeriesKey, Timestamp: p.Timestamp, Value: p.Value, Tags: tsdb.Tags(p.Tags)}
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: %v", err)
		return
	}
	if err := s.engine.Insert(req.toPoint()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, "ok", nil)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []pointRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		badRequest(w, "malformed request body: %v", err)
		return
	}
	points := make([]tsdb.Point, len(reqs))
	for i, req := range reqs {
		points[i] = req.toPoint()
	}
	ok, failed := s.engine.InsertBatch(points)
	writeOK(w, fmt.Sprintf("成功 %d 个，失败 %d 个", ok, failed), map[string]int{"ok": ok, "failed": failed})
}

type datapointDTO struct {
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func (s *Server) handleDatapointsGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	tLo := int64(math.MinInt64)
	tHi := int64(math.MaxInt64)
	limit := 0

	q := r.URL.Query()
	if v := q.Get("start_time"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "invalid start_time %q", v)
			return
		}
		tLo = parsed
	}
	if v := q.Get("end_time"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "invalid end_time %q", v)
			return
		}
		tHi = parsed
	}
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "invalid limit %q", v)
			return
		}
		limit = parsed
	}

	points, err := s.engine.Query(key, tLo, tHi, limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]datapointDTO, len(points))
	for i, p := range points {
		out[i] = datapointDTO{Timestamp: p.Timestamp, Value: p.Value, Tags: p.Tags}
	}
	writeOK(w, "ok", out)
}

type valueRequest struct {
	Value float64 `json:"value"`
}

func (s *Server) handleDatapointPut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		badRequest(w, "invalid timestamp %q", r.PathValue("ts"))
		return
	}
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: %v", err)
		return
	}
	if err := s.engine.Update(key, ts, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, "ok", nil)
}

func (s *Server) handleDatapointDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		badRequest(w, "invalid timestamp %q", r.PathValue("ts"))
		return
	}
	if err := s.engine.DeletePoint(key, ts); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, "ok", nil)
}

func (s *Server) handleSeriesList(w http.ResponseWriter, r *http.Request) {
	series := s.engine.ListSeries()
	writeOK(w, "ok", map[string]any{"series": series, "count": len(series)})
}

type seriesInfoDTO struct {
	SeriesKey string            `json:"series_key"`
	Count     int               `json:"count"`
	MinTS     int64             `json:"min_ts"`
	MaxTS     int64             `json:"max_ts"`
	MinValue  float64           `json:"min_value"`
	MaxValue  float64           `json:"max_value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func (s *Server) handleSeriesInfo(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	info, err := s.engine.SeriesInfo(key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, "ok", seriesInfoDTO{
		SeriesKey: info.SeriesKey,
		Count:     info.Count,
		MinTS:     info.MinTS,
		MaxTS:     info.MaxTS,
		MinValue:  info.MinValue,
		MaxValue:  info.MaxValue,
		Tags:      info.Tags,
	})
}

func (s *Server) handleSeriesDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.engine.DeleteSeries(key); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, "ok", nil)
}

type compactRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req compactRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "malformed request body: %v", err)
			return
		}
	}
	if err := s.engine.Compact(req.Force); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, "ok", nil)
}
