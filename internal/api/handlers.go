package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"reprorun/internal/canonical"
	"reprorun/internal/cas"
	"reprorun/internal/digest"
	"reprorun/internal/engine"
	"reprorun/internal/monitor"
	"reprorun/internal/replay"
	"reprorun/internal/storage"
)

// Handlers bundles the engine collaborators behind the HTTP surface.
type Handlers struct {
	sched     *engine.Scheduler
	exec      *engine.Executor
	eng       *digest.Engine
	store     *cas.Store
	mirror    *cas.Mirror
	validator *replay.Validator
	db        *storage.DB
	audit     *storage.AuditWriter
	metrics   *monitor.Metrics
	driftRuns int

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// HandlersConfig wires optional collaborators; nil fields disable their
// endpoints with a service-unavailable response instead of panicking.
type HandlersConfig struct {
	Scheduler *engine.Scheduler
	Executor  *engine.Executor
	Engine    *digest.Engine
	Store     *cas.Store
	Mirror    *cas.Mirror
	DB        *storage.DB
	Audit     *storage.AuditWriter
	Metrics   *monitor.Metrics
	DriftRuns int

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func NewHandlers(cfg HandlersConfig) *Handlers {
	driftRuns := cfg.DriftRuns
	if driftRuns <= 0 {
		driftRuns = replay.DefaultDriftRuns
	}
	return &Handlers{
		sched:     cfg.Scheduler,
		exec:      cfg.Executor,
		eng:       cfg.Engine,
		store:     cfg.Store,
		mirror:    cfg.Mirror,
		validator: replay.NewValidator(cfg.Engine, cfg.Store, cfg.Metrics),
		db:        cfg.DB,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		driftRuns: driftRuns,

		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}
}

// decodeStrict reads the body through the canonicalizer first, so duplicate
// keys and malformed JSON are rejected with their own error codes before
// anything is unmarshaled.
func decodeStrict(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if _, err := canonical.Transform(body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}
	if req.Timeout.Duration > 0 {
		req.TimeoutMS = req.Timeout.Milliseconds()
	}
	if req.TimeoutMS == 0 && h.defaultTimeout > 0 {
		req.TimeoutMS = h.defaultTimeout.Milliseconds()
	}
	if h.maxTimeout > 0 && req.TimeoutMS > h.maxTimeout.Milliseconds() {
		req.TimeoutMS = h.maxTimeout.Milliseconds()
	}

	if h.metrics != nil {
		h.metrics.ActiveExecutions.Inc()
		defer h.metrics.ActiveExecutions.Dec()
	}

	res, err := h.sched.Submit(r.Context(), req.ExecutionRequest)
	if err != nil && res == nil {
		writeCodedError(w, r, err)
		return
	}
	if h.metrics != nil && res != nil {
		h.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	}
	if h.audit != nil && res != nil {
		h.audit.Log(storage.RecordOf(res))
	}
	if err != nil {
		// Pipeline failure: the result carries state FAILED and the code.
		writeJSON(w, statusFor(engine.CodeOf(err)), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleReplayValidate(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}

	report, err := h.validator.Validate(req.Request, req.Result)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, ReplayResponse{Report: report})
}

func (h *Handlers) HandleDrift(w http.ResponseWriter, r *http.Request) {
	var req DriftRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}
	runs := req.Runs
	if runs <= 0 {
		runs = h.driftRuns
	}

	report, err := replay.Drift(r.Context(), h.exec, req.Request, runs, h.metrics)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, DriftResponse{Report: report})
}

func (h *Handlers) HandleProofBuild(w http.ResponseWriter, r *http.Request) {
	var req ProofRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}
	bundle, err := engine.BuildProof(h.eng, &req.Request, &req.Result)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handlers) HandleProofVerify(w http.ResponseWriter, r *http.Request) {
	var req ProofRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}
	if req.Bundle == nil {
		writeError(w, "bundle is required", string(engine.CodeInvalidRequest), http.StatusBadRequest, r)
		return
	}
	if err := engine.VerifyProof(h.eng, *req.Bundle, &req.Request, &req.Result); err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *Handlers) HandleCASPut(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no CAS configured", "cas_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "reading body: "+err.Error(), string(engine.CodeInvalidRequest), http.StatusBadRequest, r)
		return
	}

	existed := h.store.Has(h.eng.Sum(digest.DomainCAS, data))
	info, err := h.store.Put(data)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncCASOp("put")
		h.metrics.BlobSizeBytes.Observe(float64(info.Size))
	}
	writeJSON(w, http.StatusOK, PutResponse{
		Digest:     info.Digest,
		Size:       info.Size,
		StoredSize: info.StoredSize,
		Encoding:   info.Encoding,
		Dedup:      existed,
	})
}

func (h *Handlers) HandleCASGet(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no CAS configured", "cas_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	dg := r.PathValue("digest")
	data, err := h.store.Get(dg)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncCASOp("get")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handlers) HandleCASInfo(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no CAS configured", "cas_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	info, err := h.store.Info(r.PathValue("digest"))
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) HandleCASVerify(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no CAS configured", "cas_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	dg := r.PathValue("digest")
	if err := h.store.Verify(dg); err != nil {
		if h.metrics != nil && cas.IsIntegrity(err) {
			h.metrics.IncIntegrityFailure()
		}
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"digest": dg, "valid": true})
}

func (h *Handlers) HandleCASGC(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no CAS configured", "cas_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	var req GCRequest
	if err := decodeStrict(r, &req); err != nil {
		writeCodedError(w, r, err)
		return
	}
	keep := make(map[string]struct{}, len(req.Keep))
	for _, dg := range req.Keep {
		keep[dg] = struct{}{}
	}
	report, err := h.store.GC(keep, req.Apply)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncCASOp("gc")
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) HandleCASSync(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.mirror == nil {
		writeError(w, "no CAS mirror configured", "mirror_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	pushed, err := h.store.Sync(r.Context(), h.mirror)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncCASOp("sync")
	}
	writeJSON(w, http.StatusOK, map[string]int{"pushed": pushed})
}

func (h *Handlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "no database configured", "storage_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	filter := storage.RecordFilter{
		State:         r.URL.Query().Get("state"),
		SchedulerMode: r.URL.Query().Get("scheduler"),
	}
	records, err := h.db.ListRecords(r.Context(), filter)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "no database configured", "storage_unavailable", http.StatusServiceUnavailable, r)
		return
	}
	rec, err := h.db.GetByResultDigest(r.Context(), r.PathValue("digest"))
	if errors.Is(err, storage.ErrRecordNotFound) {
		writeError(w, err.Error(), "record_not_found", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// statusFor maps boundary error codes to HTTP statuses. Integrity-class
// failures map to 409 so callers cannot mistake them for routine 4xx
// validation noise.
func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeInvalidRequest, engine.CodeJSONParse, engine.CodeJSONDuplicate,
		engine.CodeQuotaExceeded, engine.CodePathEscape:
		return http.StatusBadRequest
	case engine.CodeCASNotFound:
		return http.StatusNotFound
	case engine.CodeCASIntegrity, engine.CodeReplayMismatch, engine.CodeDriftDetected:
		return http.StatusConflict
	case engine.CodeHashUnavailable:
		return http.StatusServiceUnavailable
	case engine.CodeTimeout:
		return http.StatusOK // reported inside the result, not as transport failure
	default:
		return http.StatusInternalServerError
	}
}

func writeCodedError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		code = engine.CodeQuotaExceeded
		status = http.StatusRequestEntityTooLarge
	}
	writeError(w, err.Error(), string(code), status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
