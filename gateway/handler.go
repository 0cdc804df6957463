// Package gateway exposes profiling runs over HTTP, streaming the run
// narration to the caller as it is produced.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/coordinator"
	"github.com/wasmprof/wasmprof/model"
)

// FinalResultsHeader precedes the report at the end of the stream.
const FinalResultsHeader = "\nFinal Results:\n"

const maxRequestBody = 1 << 20

// Runner executes profiling runs.
type Runner interface {
	Run(ctx context.Context, cfg *config.Config, req model.RunRequest) <-chan coordinator.Chunk
}

// Config wires dependencies for the HTTP handler.
type Config struct {
	Logger zerolog.Logger
	Runner Runner
	// LoadConfig loads the profiling configuration named by a request
	// (default: config.Load)
	LoadConfig func(path string) (*config.Config, error)
}

// NewHandler builds the HTTP handler of the profiling API.
func NewHandler(cfg Config) http.Handler {
	h := &handler{
		logger:     cfg.Logger,
		runner:     cfg.Runner,
		loadConfig: cfg.LoadConfig,
		validate:   validator.New(),
	}
	if h.loadConfig == nil {
		h.loadConfig = config.Load
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/run_profiling", h.handleRunProfiling)
	mux.HandleFunc("/healthz", h.handleHealth)
	return mux
}

type handler struct {
	logger     zerolog.Logger
	runner     Runner
	loadConfig func(path string) (*config.Config, error)
	validate   *validator.Validate

	// held for the duration of a run, runs never overlap
	running sync.Mutex
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) handleRunProfiling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	requestID := uuid.NewString()
	logger := h.logger.With().Str("request", requestID).Logger()
	w.Header().Set("X-Request-ID", requestID)

	var req model.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, requestError(err))
		return
	}

	if !h.running.TryLock() {
		logger.Warn().Str("application", req.Application).Msg("Rejecting request, a run is in progress")
		writeError(w, http.StatusConflict, "a profiling run is already in progress")
		return
	}
	defer h.running.Unlock()

	cfg, err := h.loadConfig(req.ConfigPath())
	if err != nil {
		logger.Error().Err(err).Str("config", req.ConfigPath()).Msg("Failed to load configuration")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info().
		Str("application", req.Application).
		Ints("opt_levels", req.OptLevels).
		Str("config", cfg.Path).
		Msg("Starting profiling run")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	start := time.Now()
	writeFailed := false
	write := func(s string) {
		if writeFailed {
			return
		}
		if _, err := w.Write([]byte(s)); err != nil {
			writeFailed = true
			logger.Warn().Err(err).Msg("Client went away, run continues until cancelled")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	// The channel is drained even after the client is gone so the run
	// can finish persisting its report.
	for chunk := range h.runner.Run(r.Context(), cfg, req) {
		if !chunk.Final() {
			write(chunk.Text)
			continue
		}

		data, err := json.MarshalIndent(chunk.Report, "", "    ")
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode run report")
			write(fmt.Sprintf("\nFailed to encode results: %v\n", err))
			continue
		}
		write(FinalResultsHeader)
		write(string(data))
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("Profiling request finished")
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		// dive reports slice elements as "OptLevels[0]".
		field, _, _ := strings.Cut(fe.Field(), "[")
		switch field {
		case "Application":
			return "application_name is required"
		case "OptLevels":
			return "opt_levels must be non-negative integers"
		}
		return fmt.Sprintf("invalid field %s", field)
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
