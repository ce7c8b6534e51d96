package fileserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// File — вложение из запроса клиента.
type File struct {
	Name string
	Size int64
	Body io.Reader
}

// Uploader — внешнее хранилище объектов: upload(file) -> url.
type Uploader interface {
	Upload(ctx context.Context, f File) (*UploadResponse, error)
}

// LocalUploader пишет файлы в локальный каталог API-сервиса.
type LocalUploader struct {
	store *Store
}

func NewLocalUploader(store *Store) *LocalUploader {
	return &LocalUploader{store: store}
}

func (u *LocalUploader) Upload(ctx context.Context, f File) (*UploadResponse, error) {
	return u.store.Save(ctx, f.Name, f.Size, f.Body)
}

// RemoteError — отказ микросервиса файлов с его кодом ответа.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("file service: %d %s", e.Status, e.Message)
}

// RemoteUploader отправляет файл в микросервис files (POST /upload, multipart).
// Пустой secret — заголовок X-Internal-Secret не ставится, сервис пускает по приватному IP.
type RemoteUploader struct {
	base   string
	secret string
	client *http.Client
}

func NewRemoteUploader(baseURL, secret string) *RemoteUploader {
	return &RemoteUploader{
		base:   strings.TrimSuffix(baseURL, "/"),
		secret: secret,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (u *RemoteUploader) Upload(ctx context.Context, f File) (*UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return nil, fmt.Errorf("multipart: %w", err)
	}
	if _, err := io.Copy(part, f.Body); err != nil {
		return nil, fmt.Errorf("multipart copy: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("multipart close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base+"/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.secret != "" {
		req.Header.Set("X-Internal-Secret", u.secret)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return nil, &RemoteError{Status: resp.StatusCode, Message: body.Error}
	}
	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}
