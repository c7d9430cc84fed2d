package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
)

const maxUploadBytes = 64 << 20

// requireStorageKey gates the storage surface on the shared secret,
// accepted either as the X-Storage-Key header or the key query
// parameter (workers send the header, browsers use the query form).
func (s *Server) requireStorageKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Storage-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if s.storage.Secret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.storage.Secret)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errorBody{Status: "error", Message: "invalid storage key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// safeJoin resolves rel under root and rejects anything that escapes it.
func safeJoin(root, rel string) (string, error) {
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", domain.Validationf("invalid path %q", rel)
	}
	return full, nil
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondErr(w, domain.Validationf("missing file field: %v", err))
		return
	}
	defer file.Close()

	id := uuid.NewString()
	name := id + filepath.Ext(header.Filename)
	rel := name
	if dest := r.FormValue("destPath"); dest != "" {
		rel = filepath.Join(dest, name)
	}
	full, err := safeJoin(s.storage.DataDir, rel)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		s.respondErr(w, err)
		return
	}
	dst, err := os.Create(full)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(full)
		s.respondErr(w, err)
		return
	}

	rec := domain.StoredFile{
		ID:           id,
		Tenant:       r.FormValue("session"),
		OriginalName: header.Filename,
		StoredPath:   rel,
		Mime:         header.Header.Get("Content-Type"),
		Size:         size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.UpsertFile(r.Context(), rec); err != nil {
		// the artifact is on disk; a missing metadata row is recoverable
		s.log.Warn("file metadata not recorded",
			zap.String("id", id),
			zap.String("path", rel),
			zap.Error(err),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":   true,
		"id":   id,
		"path": rel,
	})
}

type fileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	var files []fileInfo
	err := filepath.WalkDir(s.storage.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.storage.DataDir, path)
		if err != nil {
			return err
		}
		files = append(files, fileInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"total": len(files), "data": files})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	full, err := s.resolveFile(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	full, err := s.resolveFile(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := os.Remove(full); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"path": chi.URLParam(r, "*")})
}

func (s *Server) resolveFile(r *http.Request) (string, error) {
	rel := chi.URLParam(r, "*")
	if rel == "" {
		return "", domain.Validationf("file path is required")
	}
	full, err := safeJoin(s.storage.DataDir, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.NotFoundf("file %q not found", rel)
		}
		return "", err
	}
	if info.IsDir() {
		return "", domain.Validationf("%q is a directory", rel)
	}
	return full, nil
}
