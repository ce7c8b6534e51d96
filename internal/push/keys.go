package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/storage"
)

// VAPIDKeys — ключи сервера приложений. Публичный ключ отдаётся браузеру для PushManager.subscribe().
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// valid: публичный ключ — несжатая точка P-256 (65 байт), приватный — скаляр (32 байта).
func (k *VAPIDKeys) valid() bool {
	pub, err := base64.RawURLEncoding.DecodeString(k.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return false
	}
	priv, err := base64.RawURLEncoding.DecodeString(k.PrivateKey)
	return err == nil && len(priv) == 32
}

// Options — настройки Web Push из конфигурации.
type Options struct {
	Enabled    bool
	KeysFile   string
	Subscriber string
}

// Open создаёт Notifier по конфигурации. Если ключи недоступны, возвращается
// Notifier без отправки вместе с ошибкой: подписки продолжают приниматься.
func Open(store storage.Store, o Options) (*Notifier, error) {
	if !o.Enabled {
		return NewNotifier(store, nil, o.Subscriber), nil
	}
	keys, err := LoadOrCreateKeys(o.KeysFile)
	if err != nil {
		return NewNotifier(store, nil, o.Subscriber), err
	}
	return NewNotifier(store, keys, o.Subscriber), nil
}

// LoadOrCreateKeys читает ключи из path. Отсутствующий или испорченный файл заменяется
// новой парой; если записать её не удалось, ключи всё равно используются до перезапуска.
func LoadOrCreateKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		return nil, errors.New("push: VAPID keys file is not configured")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var keys VAPIDKeys
		if json.Unmarshal(data, &keys) == nil && keys.valid() {
			return &keys, nil
		}
		logger.Warnf("push: %s содержит некорректные VAPID-ключи, создаём новые", path)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("push: read %s: %w", path, err)
	}

	// Порядок результатов у webpush: сначала приватный ключ.
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push: generate VAPID keys: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeKeys(path, keys); err != nil {
		logger.Errorf("push: VAPID-ключи не сохранены в %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: новые VAPID-ключи сохранены в %s", path)
	return keys, nil
}

// writeKeys пишет во временный файл и переименовывает, чтобы упавший процесс
// не оставил половину JSON.
func writeKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vapid-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
