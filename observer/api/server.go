// Package api serves the verdicts of a running observer over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/armon/go-metrics"
	"github.com/gorilla/mux"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/health"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/types"
)

// VerdictView is the JSON form of a verdict.
type VerdictView struct {
	Key       string  `json:"key"`
	Outcome   string  `json:"outcome"`
	Reason    string  `json:"reason"`
	Status    string  `json:"status,omitempty"`
	Message   string  `json:"status_message,omitempty"`
	Chain     string  `json:"chain,omitempty"`
	TxHash    string  `json:"tx_hash,omitempty"`
	Height    uint64  `json:"block_height,omitempty"`
	Attempts  int     `json:"attempts"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Error     *string `json:"error,omitempty"`
}

func NewVerdictView(v types.Verdict) VerdictView {
	view := VerdictView{
		Key:       v.Key.String(),
		Outcome:   v.Outcome.String(),
		Reason:    v.Reason.String(),
		Attempts:  v.Attempts,
		ElapsedMS: v.Elapsed.Milliseconds(),
	}
	if v.Record != nil {
		view.Status = v.Record.Status.String()
		view.Message = v.Record.StatusMessage
	}
	if v.Receipt != nil {
		view.Chain = v.Receipt.Chain
		view.TxHash = v.Receipt.TxHash
		view.Height = v.Receipt.BlockHeight
	}
	if v.Err != nil {
		msg := v.Err.Error()
		view.Error = &msg
	}
	return view
}

type Server struct {
	verdicts cmap.ConcurrentMap[string, VerdictView]
	checker  *health.Checker
	sink     *metrics.InmemSink
	logger   log.Logger

	handler http.Handler
	srv     *http.Server
}

// NewServer builds the router. checker and sink may be nil.
func NewServer(cfg config.APIConfig, checker *health.Checker, sink *metrics.InmemSink, logger log.Logger) *Server {
	s := &Server{
		verdicts: cmap.New[VerdictView](),
		checker:  checker,
		sink:     sink,
		logger:   logger.With("module", "api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/verdicts", s.listVerdicts).Methods(http.MethodGet)
	router.HandleFunc("/verdicts/{key}", s.getVerdict).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Record stores a verdict. It has the shape of a coordinator listener.
func (s *Server) Record(v types.Verdict) {
	if v.Key.Value == "" {
		// submission failures have no key yet
		return
	}
	s.verdicts.Set(v.Key.String(), NewVerdictView(v))
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens in the background. Serve errors other than a clean shutdown
// are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "err", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
		return
	}

	code := http.StatusOK
	healthy := s.checker.IsHealthy()
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"healthy": healthy,
		"checks":  s.checker.Statuses(),
	})
}

func (s *Server) listVerdicts(w http.ResponseWriter, _ *http.Request) {
	views := make([]VerdictView, 0, s.verdicts.Count())
	for _, v := range s.verdicts.Items() {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getVerdict(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["key"]

	key := types.InboundKey(raw)
	if r.URL.Query().Get("kind") == types.KeyIndex.String() {
		key = types.IndexKey(raw)
	}
	if err := key.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	view, ok := s.verdicts.Get(key.Normalize().String())
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no verdict for " + key.String()})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
		return
	}

	summary, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
