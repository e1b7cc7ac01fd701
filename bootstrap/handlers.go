package bootstrap

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Entry is the wire form of one binding.
type Entry struct {
	Key       string `json:"key"`
	Reference string `json:"reference"`
}

// Register adds the lookup routes to mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /bootstrap", s.handleList)
	mux.HandleFunc("GET /bootstrap/{key}", s.handleGet)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Keys())
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ref, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, Entry{Key: key, Reference: ref})
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
