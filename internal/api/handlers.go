package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"qalgo-terminal/internal/common"
	"qalgo-terminal/internal/resource"
	"qalgo-terminal/internal/storage"

	"github.com/rs/zerolog/log"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverer, requestID, s.instrument)

	r.HandleFunc("/", handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/api/health_check", handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/status", s.snapshot(resource.Status)).Methods(http.MethodGet)
	r.Handle("/api/status", s.limitWrites(s.handleStatusWrite)).Methods(http.MethodPost)
	r.Handle("/api/capital/allocation", s.limitWrites(s.handleAllocation)).Methods(http.MethodPost)
	r.HandleFunc("/api/status/history", s.handleStatusHistory).Methods(http.MethodGet)

	r.HandleFunc("/api/account/summary", s.snapshot(resource.AccountSummary)).Methods(http.MethodGet)
	r.HandleFunc("/api/capital", s.snapshot(resource.Capital)).Methods(http.MethodGet)
	r.HandleFunc("/api/system/runtime", s.snapshot(resource.Runtime)).Methods(http.MethodGet)
	r.HandleFunc("/api/chart/spy", s.snapshot(resource.ChartSPY)).Methods(http.MethodGet)

	r.HandleFunc("/api/models/entry/latest", s.handleEntryLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/mesh/status", s.latest(resource.Mesh)).Methods(http.MethodGet)
	r.HandleFunc("/api/mesh/recent", s.tail(resource.Mesh, common.RecentLimit)).Methods(http.MethodGet)
	r.HandleFunc("/api/trades/recent", s.tail(resource.OpenTrades, common.RecentLimit)).Methods(http.MethodGet)
	r.HandleFunc("/api/trades/open", s.tail(resource.OpenTrades, 0)).Methods(http.MethodGet)
	r.HandleFunc("/api/logs/trades", s.handleTradeLog).Methods(http.MethodGet)
	r.HandleFunc("/api/gpt/reinforcement", s.handleReinforcement).Methods(http.MethodGet)

	if s.feed != nil {
		r.Handle("/ws/spy", s.feed).Methods(http.MethodGet)
	}
	if s.webDir != "" {
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(s.webDir))))
	}
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Q-ALGO API running")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) snapshot(name string) http.HandlerFunc {
	res := s.registry.MustLookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, resource.Snapshot(s.read(r.Context(), res)))
	}
}

func (s *Server) latest(name string) http.HandlerFunc {
	res := s.registry.MustLookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, resource.Latest(s.read(r.Context(), res), s.skipped(res)))
	}
}

// tail serves the last n records of a log; n <= 0 serves all of them.
func (s *Server) tail(name string, n int) http.HandlerFunc {
	res := s.registry.MustLookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resource.Tail(s.read(r.Context(), res), n, s.skipped(res)))
	}
}

// handleEntryLatest serves the newest entry-model breakdown stamped with
// the time it was served.
func (s *Server) handleEntryLatest(w http.ResponseWriter, r *http.Request) {
	res := s.registry.MustLookup(resource.EntryModel)
	latest := resource.Latest(s.read(r.Context(), res), s.skipped(res))

	record := map[string]json.RawMessage{}
	if err := json.Unmarshal(latest, &record); err != nil || record == nil {
		record = map[string]json.RawMessage{}
	}
	stamp, _ := json.Marshal(s.now().UTC().Format(isoMillis))
	record["timestamp"] = stamp
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTradeLog(w http.ResponseWriter, r *http.Request) {
	limit := common.TradeLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, common.TradeLogLimitMax)
		}
	}
	res := s.registry.MustLookup(resource.TradeFlow)
	writeJSON(w, http.StatusOK, resource.Tail(s.read(r.Context(), res), limit, s.skipped(res)))
}

func (s *Server) handleReinforcement(w http.ResponseWriter, r *http.Request) {
	res := s.registry.MustLookup(resource.Reinforcement)
	writeJSON(w, http.StatusOK, resource.LabelCounts(s.read(r.Context(), res), s.skipped(res)))
}

// handleStatusWrite replaces the status object with the request body.
func (s *Server) handleStatusWrite(w http.ResponseWriter, r *http.Request) {
	body, ok := readObject(w, r)
	if !ok {
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		writeError(w, http.StatusBadRequest, ErrNotObject.Error())
		return
	}

	s.statusMu.Lock()
	err := s.writeControl(r, resource.Status, pretty.Bytes())
	s.statusMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAllocation merges capitalAllocation into the current status.
func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	body, ok := readObject(w, r)
	if !ok {
		return
	}

	var req struct {
		CapitalAllocation *float64 `json:"capitalAllocation"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.CapitalAllocation == nil {
		writeError(w, http.StatusBadRequest, "capitalAllocation must be a number")
		return
	}
	if v := *req.CapitalAllocation; v < 0 || v > 100 {
		writeError(w, http.StatusBadRequest, "capitalAllocation must be between 0 and 100")
		return
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	res := s.registry.MustLookup(resource.Status)
	status := map[string]json.RawMessage{}
	if err := json.Unmarshal(resource.Snapshot(s.read(r.Context(), res)), &status); err != nil || status == nil {
		status = map[string]json.RawMessage{}
	}
	status["capitalAllocation"], _ = json.Marshal(*req.CapitalAllocation)

	merged, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode status")
		return
	}
	if err := s.writeControl(r, resource.Status, merged); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, common.ErrMsgJournalDisabled)
		return
	}

	limit := common.RecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, common.TradeLogLimitMax)
		}
	}

	entries, err := s.journal.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read control journal")
		writeJSON(w, http.StatusOK, []storage.JournalEntry{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeControl stores data under the named resource and journals the
// write. A journal failure is logged but does not undo the write.
func (s *Server) writeControl(r *http.Request, name string, data []byte) error {
	res := s.registry.MustLookup(name)
	if err := s.store.Put(r.Context(), res.Path, data); err != nil {
		log.Error().Err(err).Str("resource", res.Name).Str("path", res.Path).Msg("Control write failed")
		return err
	}
	s.metrics.ControlWriteInc(res.Name)

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		compact.Reset()
		compact.Write(data)
	}

	ev := log.Info().Str("resource", res.Name).Str("request_id", RequestID(r.Context()))
	if s.journal != nil {
		entry, err := s.journal.Append(res.Path, r.RemoteAddr, compact.Bytes())
		if err != nil {
			log.Error().Err(err).Str("resource", res.Name).Msg("Failed to journal control write")
		} else {
			ev = ev.Str("journal_id", entry.ID).Uint64("seq", entry.Seq)
		}
	}
	ev.Msg("Control write applied")
	return nil
}

// read returns the resource bytes, or nil when the resource is absent or
// unreadable.
func (s *Server) read(ctx context.Context, res resource.Resource) []byte {
	data, err := s.store.Get(ctx, res.Path)
	if err == nil {
		return data
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.metrics.StoreReadErrorInc()
		log.Warn().Err(err).Str("resource", res.Name).Str("path", res.Path).Msg("Resource read failed")
	}
	return nil
}

func (s *Server) skipped(res resource.Resource) resource.Skipped {
	return func(n int) {
		s.metrics.RecordsSkippedAdd(n)
		log.Debug().Int("skipped", n).Str("resource", res.Name).Msg("Skipped malformed records")
	}
}

// readObject reads a size-limited body and checks that it is a JSON
// object. On failure the error response has already been written.
func readObject(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, common.MaxWriteBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, common.ErrMsgBodyTooLarge)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return nil, false
	}
	if err := checkObject(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return bytes.TrimSpace(body), true
}

func checkObject(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return ErrNotObject
	}
	return nil
}

func writeRaw(w http.ResponseWriter, code int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		writeRaw(w, http.StatusInternalServerError, []byte(`{"error":"`+common.ErrMsgFallback+`"}`))
		return
	}
	writeRaw(w, code, data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
