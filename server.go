package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/utilitywarehouse/repo-mirror/repolist"
)

type updateRequest struct {
	Value *string `json:"value"`
	// old is null for unset mirror
	Old *string `json:"old"`
}

// ConfigHandler serves CRUD API over repos.json. The sync loop re-reads
// the file on every tick so changes are picked up on the next tick.
type ConfigHandler struct {
	list *repolist.File
	log  *slog.Logger
}

func newServeMux(list *repolist.File, uiDir string, log *slog.Logger) *http.ServeMux {
	h := &ConfigHandler{list: list, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/repos", h.listRepos)
	mux.HandleFunc("POST /api/repo", h.addRepo)
	mux.HandleFunc("DELETE /api/repo/{index}", h.deleteRepo)
	mux.HandleFunc("POST /api/repo/{index}/{field}", h.updateRepo)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", http.FileServer(http.Dir(uiDir)))
	return mux
}

func (h *ConfigHandler) listRepos(w http.ResponseWriter, r *http.Request) {
	entries, err := h.list.Load()
	if err != nil {
		h.log.Error("unable to load repositories", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []repolist.Entry{}
	}
	h.writeJSON(w, entries)
}

func (h *ConfigHandler) addRepo(w http.ResponseWriter, r *http.Request) {
	var entry repolist.Entry

	// body is optional, UI adds empty entry and edits it afterwards
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error("cannot read request body", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &entry); err != nil {
			h.log.Error("cannot unmarshal json payload", "err", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	index, err := h.list.Add(entry)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("repository added", "index", index, "source", entry.Source)
	h.writeJSON(w, map[string]int{"index": index})
}

func (h *ConfigHandler) deleteRepo(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.list.Delete(index); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("repository deleted", "index", index)
	h.writeJSON(w, true)
}

func (h *ConfigHandler) updateRepo(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	field := r.PathValue("field")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		h.log.Error("invalid update payload", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var old string
	if req.Old != nil {
		old = *req.Old
	}

	if err := h.list.Update(index, field, *req.Value, old); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("repository updated", "index", index, "field", field)
	h.writeJSON(w, true)
}

func (h *ConfigHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repolist.ErrIndex):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, repolist.ErrField):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, repolist.ErrMismatch):
		w.WriteHeader(http.StatusConflict)
	default:
		h.log.Error("unable to update repositories", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.log.Debug("rejected config request", "err", err)
}

func (h *ConfigHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("cannot write response", "err", err)
	}
}

// runServer serves handler on addr until ctx is done.
func runServer(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting config server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "config server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "unable to shutdown config server")
	}
	log.Info("config server stopped")
	return nil
}

// runOptionalServer runs the config API next to the mirror loop. Server
// failures are logged only, mirroring carries on without the API.
func runOptionalServer(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	if err := runServer(ctx, addr, handler, log); err != nil {
		log.Error("config server stopped, mirroring continues", "err", err)
	}
	return nil
}
