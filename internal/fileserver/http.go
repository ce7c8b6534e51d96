package fileserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/docchat/internal/logger"
)

// Service — HTTP-обёртка над Store для микросервиса файлов.
type Service struct {
	store *Store
}

func New(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("fileserver writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// Upload обрабатывает POST multipart/form-data с полем "file".
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.store.MaxUploadSize)
	if err := r.ParseMultipartForm(s.store.MaxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "file too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	resp, err := s.store.Save(r.Context(), header.Filename, header.Size, file)
	switch {
	case errors.Is(err, ErrTypeNotAllowed), errors.Is(err, ErrContentMismatch):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		logger.Errorf("fileserver upload: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Serve отдаёт файл по имени (разархивирует при отдаче); query name= — оригинальное имя для Content-Disposition.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	if ct := contentTypeByExt(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		if safe := safeFilename(origName); safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.QueryEscape(safe)
			if ascii := asciiFallbackFilename(safe); ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}

	rc, err := s.store.Open(filename)
	if errors.Is(err, ErrFileNotFound) {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer rc.Close()
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
