// Package oracletest provides a scripted fake of the indexing chain's REST
// gateway.
package oracletest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/xobserver/observer/types"
)

// Step is one scripted answer. The last step of a script repeats forever.
type Step struct {
	Code int
	Body string
}

func NotFound() Step {
	return Step{Code: http.StatusOK, Body: `{"tx":null}`}
}

// NotFound404 is the grpc-gateway shape for a missing record.
func NotFound404() Step {
	return Step{Code: http.StatusNotFound, Body: `{"code":5,"message":"cctx not found","details":[]}`}
}

func ServerError() Step {
	return Step{Code: http.StatusServiceUnavailable, Body: `{"code":14,"message":"unavailable"}`}
}

func Malformed() Step {
	return Step{Code: http.StatusOK, Body: `{"tx": {"index": `}
}

// Status answers with a record in the given status. The record body is
// built for inbound lookups and rewrapped for index lookups by the server.
func Status(status string) Step {
	body, _ := sjson.Set(`{}`, "tx.status", status)
	body, _ = sjson.Set(body, "tx.senderChain", "source")
	body, _ = sjson.Set(body, "tx.receiverChain", "destination")
	return Step{Code: http.StatusOK, Body: body}
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	scripts  map[string][]Step
	fallback []Step
	hits     map[string]int
	down     bool
}

func NewServer() *Server {
	s := &Server{
		scripts: make(map[string][]Step),
		hits:    make(map[string]int),
	}

	router := mux.NewRouter()
	router.HandleFunc("/inTxRich/{hash}", s.handle(types.KeyInbound, "hash")).Methods(http.MethodGet)
	router.HandleFunc("/send/{index}", s.handle(types.KeyIndex, "index")).Methods(http.MethodGet)
	router.HandleFunc("/receive", s.receive).Methods(http.MethodGet)

	s.Server = httptest.NewServer(router)
	return s
}

// Script sets the answers for a key. Keys without any script are NotFound.
func (s *Server) Script(key types.ObservationKey, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[key.Normalize().String()] = steps
}

// ScriptAll sets the answers for every key without its own script. Each key
// walks the steps independently.
func (s *Server) ScriptAll(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = steps
}

// Hits returns how many lookups the key received.
func (s *Server) Hits(key types.ObservationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key.Normalize().String()]
}

// SetDown makes /receive fail.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Server) handle(kind types.KeyKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := types.ObservationKey{Kind: kind, Value: mux.Vars(r)[param]}
		if key.Validate() != nil {
			writeJSON(w, http.StatusBadRequest, `{"code":3,"message":"invalid hash"}`)
			return
		}
		name := key.Normalize().String()

		s.mu.Lock()
		n := s.hits[name]
		s.hits[name] = n + 1
		script, ok := s.scripts[name]
		if !ok {
			script = s.fallback
		}
		s.mu.Unlock()

		step := NotFound()
		if len(script) > 0 {
			if n >= len(script) {
				n = len(script) - 1
			}
			step = script[n]
		}

		body := step.Body
		if kind == types.KeyIndex && strings.HasPrefix(body, `{"tx"`) {
			inner := strings.TrimSuffix(strings.TrimPrefix(body, `{"tx":`), "}")
			body = `{"data":{"Send":` + inner + `}}`
		}
		writeJSON(w, step.Code, body)
	}
}

func (s *Server) receive(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()

	if down {
		writeJSON(w, http.StatusServiceUnavailable, `{"code":14,"message":"unavailable"}`)
		return
	}
	writeJSON(w, http.StatusOK, `{"height":"100"}`)
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
