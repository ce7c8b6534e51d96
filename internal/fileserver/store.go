// Package fileserver — хранение вложений чата: локальный каталог со сжатием
// и HTTP-клиент микросервиса файлов.
package fileserver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

var (
	ErrTypeNotAllowed  = errors.New("file type not allowed")
	ErrContentMismatch = errors.New("file content does not match type")
	ErrFileNotFound    = errors.New("file not found")
)

// UploadResponse — ответ после успешной загрузки.
type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// Store — каталог загруженных файлов. Файлы лежат сжатыми (.gz) под сгенерированными именами.
type Store struct {
	UploadDir     string
	MaxUploadSize int64
	// URLPrefix — путь, под которым файлы раздаются наружу.
	URLPrefix string
}

func NewStore(uploadDir string, maxUploadSize int64) *Store {
	return &Store{UploadDir: uploadDir, MaxUploadSize: maxUploadSize, URLPrefix: "/api/files/"}
}

// Save проверяет расширение и сигнатуру, пишет содержимое в gzip и возвращает описание файла.
func (s *Store) Save(ctx context.Context, originalName string, size int64, body io.Reader) (*UploadResponse, error) {
	// В ряде клиентов/прокси пробел в имени кодируется как "+"; нормализуем для отображения и расширения.
	rawFilename := strings.ReplaceAll(originalName, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if BlockedExt[ext] {
		return nil, ErrTypeNotAllowed
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(body, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		return nil, ErrContentMismatch
	}

	newName := uuid.New().String() + ext
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	dstPath := filepath.Join(s.UploadDir, newName+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	written, err := writeCompressed(ctx, dst, head, body)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("save file: %w", err)
	}
	if size <= 0 {
		size = written
	}

	// Имя для отображения: только базовая часть без пути, безопасные символы; иначе — сгенерированное
	displayName := safeFilename(filepath.Base(rawFilename))
	if displayName == "" || displayName == "." {
		displayName = newName
	}

	return &UploadResponse{
		URL:         s.URLPrefix + newName,
		FileName:    displayName,
		FileSize:    size,
		ContentType: ContentKind(ext),
	}, nil
}

func writeCompressed(ctx context.Context, dst io.Writer, head []byte, body io.Reader) (int64, error) {
	gz := gzip.NewWriter(dst)
	if _, err := gz.Write(head); err != nil {
		gz.Close()
		return 0, err
	}
	cw := &countingWriter{w: gz}
	if err := copyWithContext(ctx, cw, body); err != nil {
		gz.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return int64(len(head)) + cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Open возвращает распакованное содержимое файла. Поддерживаются и несжатые файлы.
func (s *Store) Open(filename string) (io.ReadCloser, error) {
	filename = filepath.Base(filename)
	if f, err := os.Open(filepath.Join(s.UploadDir, filename+".gz")); err == nil {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read file: %w", err)
		}
		return &gzipFile{Reader: gz, f: f}, nil
	}
	f, err := os.Open(filepath.Join(s.UploadDir, filename))
	if err != nil {
		return nil, ErrFileNotFound
	}
	return f, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

// ContentKind — "image" для картинок, иначе "file". Совпадает с типами сообщений.
func ContentKind(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return "image"
	}
	return "file"
}
