// Package charontest provides an in-process Charon server for tests.
//
// The server speaks the same REST surface as the real service for the
// documents the reconciler touches, keeps documents in memory, and can be told
// to fail requests so error paths can be exercised without a network.
//
// Usage:
//
//	func TestMyReconcile(t *testing.T) {
//	    srv := charontest.New(t)
//	    srv.SeedRun(key, map[string]any{"alignment_status": "RUNNING"})
//	    client := srv.Client(t)
//	    // ... test code ...
//	}
package charontest

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ngitrack/pkg/charon"
)

// Token is the API token the server accepts.
const Token = "test-token"

// Request is one request seen by the server.
type Request struct {
	Method string
	Path   string
	Body   map[string]any
}

// Server is a fake Charon backed by httptest.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	runs     map[charon.RunKey]map[string]any
	samples  map[charon.SampleKey]map[string]any
	failures map[string]int
	requests []Request
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		runs:     make(map[charon.RunKey]map[string]any),
		samples:  make(map[charon.SampleKey]map[string]any),
		failures: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/seqrun/{project}/{sample}/{libprep}/{seqrun}", s.getRun)
		r.Put("/seqrun/{project}/{sample}/{libprep}/{seqrun}", s.putRun)
		r.Get("/sample/{project}/{sample}", s.getSample)
		r.Put("/sample/{project}/{sample}", s.putSample)
	})

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// Client returns an HTTPClient pointed at the server.
func (s *Server) Client(t testing.TB) *charon.HTTPClient {
	t.Helper()
	c, err := charon.NewHTTPClient(charon.Config{BaseURL: s.URL(), APIToken: Token})
	require.NoError(t, err)
	return c
}

// SeedRun stores a seqrun document.
func (s *Server) SeedRun(key charon.RunKey, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[key] = maps.Clone(doc)
}

// SeedSample stores a sample document.
func (s *Server) SeedSample(key charon.SampleKey, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[key] = maps.Clone(doc)
}

// Run returns a copy of a seqrun document, or nil.
func (s *Server) Run(key charon.RunKey) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.runs[key])
}

// Sample returns a copy of a sample document, or nil.
func (s *Server) Sample(key charon.SampleKey) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.samples[key])
}

// FailMethod makes every request with the given HTTP method answer with code.
// A zero code clears the failure.
func (s *Server) FailMethod(method string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.failures, method)
		return
	}
	s.failures[method] = code
}

// Requests returns the requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests returns how many requests used the given method.
func (s *Server) CountRequests(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(charon.TokenHeader) != Token {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}

		var body map[string]any
		if r.Method == http.MethodPut {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Body: body})
		code := s.failures[r.Method]
		s.mu.Unlock()

		if code != 0 {
			http.Error(w, "injected failure", code)
			return
		}
		next.ServeHTTP(w, withBody(r, body))
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc, ok := s.runs[runKey(r)]
	doc = maps.Clone(doc)
	s.mu.Unlock()
	writeDoc(w, doc, ok)
}

func (s *Server) putRun(w http.ResponseWriter, r *http.Request) {
	key := runKey(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.runs[key]
	if !ok {
		http.Error(w, "seqrun not found", http.StatusNotFound)
		return
	}
	maps.Copy(doc, bodyOf(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSample(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc, ok := s.samples[sampleKey(r)]
	doc = maps.Clone(doc)
	s.mu.Unlock()
	writeDoc(w, doc, ok)
}

func (s *Server) putSample(w http.ResponseWriter, r *http.Request) {
	key := sampleKey(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.samples[key]
	if !ok {
		http.Error(w, "sample not found", http.StatusNotFound)
		return
	}
	maps.Copy(doc, bodyOf(r))
	w.WriteHeader(http.StatusNoContent)
}

func runKey(r *http.Request) charon.RunKey {
	return charon.RunKey{
		ProjectID: chi.URLParam(r, "project"),
		SampleID:  chi.URLParam(r, "sample"),
		LibprepID: chi.URLParam(r, "libprep"),
		SeqrunID:  chi.URLParam(r, "seqrun"),
	}
}

func sampleKey(r *http.Request) charon.SampleKey {
	return charon.SampleKey{ProjectID: chi.URLParam(r, "project"), SampleID: chi.URLParam(r, "sample")}
}

func writeDoc(w http.ResponseWriter, doc map[string]any, ok bool) {
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

type bodyKey struct{}

func withBody(r *http.Request, body map[string]any) *http.Request {
	if body == nil {
		return r
	}
	return r.WithContext(contextWithBody(r, body))
}

func bodyOf(r *http.Request) map[string]any {
	body, _ := r.Context().Value(bodyKey{}).(map[string]any)
	return body
}

func contextWithBody(r *http.Request, body map[string]any) context.Context {
	return context.WithValue(r.Context(), bodyKey{}, body)
}

// PathFor returns the API path the client uses for a key.
func PathFor(key any) string {
	switch k := key.(type) {
	case charon.RunKey:
		return "/api/v1/seqrun/" + strings.Join([]string{k.ProjectID, k.SampleID, k.LibprepID, k.SeqrunID}, "/")
	case charon.SampleKey:
		return "/api/v1/sample/" + k.ProjectID + "/" + k.SampleID
	}
	return ""
}
