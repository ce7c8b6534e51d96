package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/docchat/internal/storage"
	"github.com/docchat/internal/storage/memory"
)

func browserSubscription(t *testing.T, endpoint string) storage.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand: %v", err)
	}
	var sub storage.PushSubscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(auth)
	return sub
}

func TestNotifyRemovesExpiredSubscriptions(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "vapid ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusGone)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	store := memory.New()
	n := NewNotifier(store, &VAPIDKeys{PublicKey: pub, PrivateKey: priv}, "ops@example.com").WithHTTPClient(srv.Client())
	ctx := context.Background()
	owner := "SubAdmin:s1"
	if err := n.Subscribe(ctx, owner, browserSubscription(t, srv.URL+"/live")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = n.Subscribe(ctx, owner, browserSubscription(t, srv.URL+"/gone"))

	sent, err := n.Notify(ctx, owner, Notification{Title: "New message", Body: "hi", Data: map[string]string{"group_id": "g1"}})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sent != 1 || delivered.Load() != 1 {
		t.Errorf("sent = %d, delivered = %d", sent, delivered.Load())
	}
	subs, _ := store.PushSubscriptions(ctx, owner)
	if len(subs) != 1 || !strings.HasSuffix(subs[0].Endpoint, "/live") {
		t.Errorf("expired subscription not removed: %+v", subs)
	}
}

func TestNotifierWithoutKeysIsNoop(t *testing.T) {
	store := memory.New()
	n := NewNotifier(store, nil, "")
	if n.Enabled() || n.PublicKey() != "" {
		t.Fatal("notifier without keys must be disabled")
	}
	_ = n.Subscribe(context.Background(), "User:u1", browserSubscription(t, "https://push.example/1"))
	sent, err := n.Notify(context.Background(), "User:u1", Notification{Title: "x"})
	if err != nil || sent != 0 {
		t.Errorf("Notify = %d, %v", sent, err)
	}
}

func TestLoadOrCreateKeysPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vapid.json")
	first, err := LoadOrCreateKeys(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeys: %v", err)
	}
	if !first.valid() {
		t.Fatalf("generated keys are not a P-256 pair: %+v", first)
	}
	second, err := LoadOrCreateKeys(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeys reload: %v", err)
	}
	if *first != *second {
		t.Error("keys should be loaded from file on second call")
	}
}

func TestLoadOrCreateKeysReplacesBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	// Ключи, записанные в перепутанном порядке: публичный на месте приватного.
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"public_key":"`+priv+`","private_key":"`+pub+`"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	keys, err := LoadOrCreateKeys(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeys: %v", err)
	}
	if keys.PublicKey == priv || !keys.valid() {
		t.Errorf("broken keys were reused: %+v", keys)
	}
}

func TestOpen(t *testing.T) {
	store := memory.New()
	n, err := Open(store, Options{Enabled: false})
	if err != nil || n.Enabled() {
		t.Errorf("disabled: enabled=%v err=%v", n.Enabled(), err)
	}
	n, err = Open(store, Options{Enabled: true})
	if err == nil || n.Enabled() || n.PublicKey() != "" {
		t.Errorf("no keys file: enabled=%v err=%v", n.Enabled(), err)
	}
	n, err = Open(store, Options{Enabled: true, KeysFile: filepath.Join(t.TempDir(), "vapid.json"), Subscriber: "ops@example.com"})
	if err != nil || !n.Enabled() || n.PublicKey() == "" {
		t.Errorf("with keys file: enabled=%v err=%v", n.Enabled(), err)
	}
}
