// Package server is the device's HTTP front end: the update form, status,
// probes, metrics and the files of the mounted filesystem.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/internal/pkg/metrics"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// Updater is the orchestrator as seen by the HTTP handlers.
type Updater interface {
	RequestUpdate(ctx context.Context, req ota.Request) (string, error)
	Status(ctx context.Context) (ota.Status, error)
}

// Mounts reports where the filesystem partition is mounted.
type Mounts interface {
	IsMounted(name string) bool
	Mountpoint(name string) (string, bool)
}

type Server struct {
	server  *http.Server
	options *options.HttpOptions

	updater Updater
	mounts  Mounts
	fsName  string
	ready   func() bool
	logger  log.Logger
}

// NewServer builds the server. ready backs /readyz; nil means always ready.
func NewServer(opts *options.HttpOptions, updater Updater, mounts Mounts, fsName string, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}

	s := &Server{
		options: opts,
		updater: updater,
		mounts:  mounts,
		fsName:  fsName,
		ready:   ready,
		logger:  log.WithName("http"),
	}
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/otaUpdate", s.handleOtaUpdate)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
	r.PathPrefix("/").HandlerFunc(s.serveFile)

	return r
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Pragma", "no-cache")
}

func (s *Server) handleOtaUpdate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		noCache(w)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(otaForm))

	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req := ota.Request{
			ApplicationURL:    r.PostForm.Get("rom_url"),
			ApplicationSHA256: r.PostForm.Get("rom_sha256"),
			FilesystemURL:     r.PostForm.Get("spiffs_url"),
			FilesystemSHA256:  r.PostForm.Get("spiffs_sha256"),
		}
		id, err := s.updater.RequestUpdate(r.Context(), req)
		if err != nil {
			s.logger.Error(err, "Failed to submit update request")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Info("Update requested over HTTP", "session", id, "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("done"))

	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte("method not allowed"))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.updater.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	noCache(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Error(err, "Failed to encode status")
	}
}

// serveFile serves r.URL.Path from the mounted filesystem, preferring a
// gzip-compressed sibling.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	noCache(w)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	root, ok := s.mounts.Mountpoint(s.fsName)
	if !ok || !s.mounts.IsMounted(s.fsName) {
		notFound(w)
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}
	file := filepath.Join(root, filepath.FromSlash(name))

	if f, fi, err := openFile(file + ".gz"); err == nil {
		defer f.Close()
		s.cache(w)
		w.Header().Set("Content-Encoding", "gzip")
		http.ServeContent(w, r, name, fi.ModTime(), f)
		return
	}
	if f, fi, err := openFile(file); err == nil {
		defer f.Close()
		s.cache(w)
		http.ServeContent(w, r, name, fi.ModTime(), f)
		return
	}
	notFound(w)
}

func (s *Server) cache(w http.ResponseWriter) {
	w.Header().Del("Pragma")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.options.CacheMaxAge/time.Second)))
}

func openFile(name string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		f.Close()
		return nil, nil, errors.New("not a regular file")
	}
	return f, fi, nil
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("404: Not Found"))
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP Server", "addr", s.server.Addr)

	ln, err := net.Listen(s.options.Network, s.server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
