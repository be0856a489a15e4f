package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pulumi-shared-alb/internal/logging"
)

type serverConfig struct {
	name        string
	healthPath  string
	apiEndpoint string
}

type server struct {
	cfg    serverConfig
	router *mux.Router
	client *http.Client
	logger *logging.Logger
}

type echoResponse struct {
	Service string `json:"service"`
	Path    string `json:"path"`
}

type upstreamResponse struct {
	Service  string       `json:"service"`
	Upstream string       `json:"upstream"`
	Status   int          `json:"status"`
	Body     echoResponse `json:"body"`
}

func newServer(cfg serverConfig, logger *logging.Logger) *server {
	s := &server{
		cfg:    cfg,
		router: mux.NewRouter(),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
	s.router.HandleFunc(cfg.healthPath, s.healthHandler).Methods("GET")
	if cfg.apiEndpoint != "" {
		s.router.HandleFunc("/upstream", s.upstreamHandler).Methods("GET")
	}
	s.router.PathPrefix("/").HandlerFunc(s.echoHandler)
	return s
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) echoHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.WithService(s.cfg.name).WithField("path", r.URL.Path).Debug("request")
	writeJSON(w, http.StatusOK, echoResponse{Service: s.cfg.name, Path: r.URL.Path})
}

// upstreamHandler calls the linked service through the shared load
// balancer. The endpoint already carries the route prefix, e.g.
// http://<dns>/api.
func (s *server) upstreamHandler(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSuffix(s.cfg.apiEndpoint, "/") + "/ping"
	resp, err := s.client.Get(url)
	if err != nil {
		s.logger.WithError(err).WithField("url", url).Warn("upstream unreachable")
		http.Error(w, fmt.Sprintf("upstream %s: %v", url, err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	out := upstreamResponse{Service: s.cfg.name, Upstream: url, Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		err = json.Unmarshal(data, &out.Body)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream %s: %v", url, err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
