package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/h2non/filetype"
)

// Handler serves objects at /{bucket}/{name}, the layout PublicURL produces.
func (s *ObjectStore) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{bucket}/{name}", s.serveObject)
	return mux
}

func (s *ObjectStore) serveObject(w http.ResponseWriter, r *http.Request) {
	f, err := s.Open(r.PathValue("bucket"), r.PathValue("name"))
	switch {
	case errors.Is(err, ErrBadObjectKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, os.ErrNotExist):
		http.NotFound(w, r)
		return
	case err != nil:
		slog.Error("failed to open object", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if kind, err := filetype.MatchReader(f); err == nil && kind != filetype.Unknown {
		w.Header().Set("Content-Type", kind.MIME.Value)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// FileServer makes uploads reachable over HTTP when PublicBaseURL points at it.
type FileServer struct {
	server *http.Server
}

func NewFileServer(objects *ObjectStore, addr string) *FileServer {
	if addr == "" {
		addr = ":8081"
	}
	return &FileServer{
		server: &http.Server{
			Addr:    addr,
			Handler: objects.Handler(),
		},
	}
}

func (s *FileServer) Start() error {
	slog.Info("file server started", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *FileServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
