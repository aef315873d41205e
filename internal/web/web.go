// Package web exposes the store over HTTP: an endpoint that resolves an
// image reference to its extracted rootfs layer paths, and a readiness probe.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"

	"layerstore/pkg/image"
	"layerstore/pkg/store"
)

type Server struct {
	store *store.Store
	log   logr.Logger
}

func NewServer(s *store.Store, log logr.Logger) *Server {
	return &Server{
		store: s,
		log:   log,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	mux.HandleFunc("GET /v1/images/{name...}", s.imageHandler)
	return mux
}

func (s *Server) healthzHandler(rw http.ResponseWriter, req *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

type imageResponse struct {
	Name   string   `json:"name"`
	Layers []string `json:"layers"`
}

func (s *Server) imageHandler(rw http.ResponseWriter, req *http.Request) {
	ref := req.PathValue("name")

	name, err := image.ParseName(ref)
	if err != nil {
		s.writeError(rw, http.StatusBadRequest, err)
		return
	}

	layers, err := s.store.Get(req.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errdefs.IsNotFound(err) {
			status = http.StatusNotFound
		}
		s.log.Error(err, "failed to resolve image", "image", name.String())
		s.writeError(rw, status, err)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(imageResponse{Name: name.String(), Layers: layers}); err != nil {
		s.log.Error(err, "failed to write image response", "image", name.String())
	}
}

func (s *Server) writeError(rw http.ResponseWriter, status int, err error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	body := struct {
		Error string `json:"error"`
	}{Error: err.Error()}
	if encodeErr := json.NewEncoder(rw).Encode(body); encodeErr != nil {
		s.log.Error(errors.Join(err, encodeErr), "failed to write error response")
	}
}
