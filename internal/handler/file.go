package handler

import (
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docchat/internal/fileserver"
)

// FileHandler отдаёт вложения: из локального хранилища или через сервис файлов.
// Загрузка идёт только через сообщения (fileserver.Uploader), отдельного upload в API нет.
type FileHandler struct {
	fileSvc    *fileserver.Service
	fileClient *http.Client
	fileBase   string
}

// NewFileHandler: пустой fileServiceURL — файлы лежат в store.
func NewFileHandler(store *fileserver.Store, fileServiceURL string) *FileHandler {
	if fileServiceURL == "" {
		return &FileHandler{fileSvc: fileserver.New(store)}
	}
	return &FileHandler{
		fileClient: &http.Client{Timeout: 60 * time.Second},
		fileBase:   strings.TrimSuffix(fileServiceURL, "/"),
	}
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if h.fileSvc != nil {
		h.fileSvc.Serve(w, r, filename)
		return
	}
	// Прокси GET на микросервис файлов
	proxyURL := h.fileBase + "/files/" + url.PathEscape(filename)
	if name := r.URL.Query().Get("name"); name != "" {
		proxyURL += "?name=" + url.QueryEscape(name)
	}
	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, proxyURL, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp, err := h.fileClient.Do(proxyReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, "file service unavailable")
		return
	}
	defer resp.Body.Close()
	for k, v := range resp.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Content-Type") ||
			strings.EqualFold(k, "Content-Disposition") {
			w.Header()[k] = v
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
