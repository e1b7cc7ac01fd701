package naming

import (
	"encoding/json"
	"errors"
	"net/http"
)

type bindRequest struct {
	Name      string `json:"name"`
	Reference string `json:"reference"`
}

// Register adds the naming routes to mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /names", s.handleList)
	mux.HandleFunc("POST /names", s.handleBind)
	mux.HandleFunc("GET /names/{name}", s.handleResolve)
	mux.HandleFunc("PUT /names/{name}", s.handleRebind)
	mux.HandleFunc("DELETE /names/{name}", s.handleUnbind)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bindings)
}

func (s *Service) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Bind(r.Context(), req.Name, req.Reference); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ref, err := s.Resolve(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bindRequest{Name: name, Reference: ref})
}

func (s *Service) handleRebind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Rebind(r.Context(), r.PathValue("name"), req.Reference); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if err := s.Unbind(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrAlreadyBound):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
