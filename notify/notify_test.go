package notify

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/imjasonh/pushsub"
	"github.com/imjasonh/pushsub/keys"
	"github.com/imjasonh/pushsub/storage"
)

// browserKeys is the key material a browser generates for a subscription.
type browserKeys struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newBrowserKeys(t *testing.T) *browserKeys {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return &browserKeys{priv: priv, auth: auth}
}

func (b *browserKeys) subscription(endpoint string) *pushsub.Subscription {
	return &pushsub.Subscription{
		Endpoint: endpoint,
		Keys: pushsub.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(b.priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(b.auth),
		},
	}
}

// decrypt opens an aes128gcm body the way a browser would.
func (b *browserKeys) decrypt(t *testing.T, body []byte) []byte {
	t.Helper()
	if len(body) < headerLen {
		t.Fatalf("body too short: %d bytes", len(body))
	}
	salt := body[:saltLen]
	idlen := int(body[20])
	keyID := body[21 : 21+idlen]
	ciphertext := body[21+idlen:]

	asKey, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		t.Fatalf("parsing sender key: %v", err)
	}
	shared, err := b.priv.ECDH(asKey)
	if err != nil {
		t.Fatalf("ECDH() error = %v", err)
	}
	info := append([]byte("WebPush: info\x00"), b.priv.PublicKey().Bytes()...)
	info = append(info, keyID...)
	ikm, _ := derive(shared, b.auth, info, 32)
	cek, _ := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	nonce, _ := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)

	block, err := aes.NewCipher(cek)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("NewGCM() error = %v", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("gcm.Open() error = %v", err)
	}
	if len(plain) == 0 || plain[len(plain)-1] != 0x02 {
		t.Fatalf("missing last-record delimiter")
	}
	return plain[:len(plain)-1]
}

func newSigner(t *testing.T) *keys.ECDSA {
	t.Helper()
	priv, _, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	signer, err := keys.FromBase64(priv)
	if err != nil {
		t.Fatalf("FromBase64() error = %v", err)
	}
	return signer
}

func TestSender_Send(t *testing.T) {
	browser := newBrowserKeys(t)

	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sender := NewSender(storage.NewMemory(), newSigner(t), "mailto:test@example.com").
		WithHTTPClient(server.Client())

	sub := browser.subscription(server.URL + "/push/abc123")
	err := sender.Send(context.Background(), sub, []byte("test message"), &Options{Urgency: "high", Topic: "news"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	req := <-got
	if v := req.header.Get("Content-Encoding"); v != "aes128gcm" {
		t.Errorf("Content-Encoding = %q, want aes128gcm", v)
	}
	if v := req.header.Get("TTL"); v != "2419200" {
		t.Errorf("TTL = %q, want default 2419200", v)
	}
	if v := req.header.Get("Urgency"); v != "high" {
		t.Errorf("Urgency = %q, want high", v)
	}
	if v := req.header.Get("Topic"); v != "news" {
		t.Errorf("Topic = %q, want news", v)
	}
	if v := req.header.Get("Authorization"); !strings.HasPrefix(v, "vapid t=") {
		t.Errorf("Authorization = %q, want vapid scheme", v)
	}
	if plain := browser.decrypt(t, req.body); string(plain) != "test message" {
		t.Errorf("decrypted payload = %q, want %q", plain, "test message")
	}
}

func TestSender_Send_StatusError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "subscription expired", http.StatusGone)
	}))
	defer server.Close()

	sender := NewSender(storage.NewMemory(), newSigner(t), "mailto:test@example.com").
		WithHTTPClient(server.Client())

	err := sender.Send(context.Background(), newBrowserKeys(t).subscription(server.URL+"/push/x"), []byte("hi"), nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Send() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusGone {
		t.Errorf("StatusCode = %d, want 410", se.StatusCode)
	}
	if !IsGone(err) {
		t.Error("IsGone() = false, want true")
	}
}

func TestSender_Send_BadKeys(t *testing.T) {
	sender := NewSender(storage.NewMemory(), newSigner(t), "mailto:test@example.com")
	sub := &pushsub.Subscription{
		Endpoint: "https://push.example.com/x",
		Keys:     pushsub.Keys{P256dh: "not a key", Auth: "AAAA"},
	}
	if err := sender.Send(context.Background(), sub, []byte("hi"), nil); err == nil {
		t.Error("Send() expected error for invalid p256dh")
	}
}

func TestIsGone(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{StatusCode: http.StatusGone}, true},
		{&StatusError{StatusCode: http.StatusNotFound}, true},
		{&StatusError{StatusCode: http.StatusTooManyRequests}, false},
		{errors.New("410"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsGone(tt.err); got != tt.want {
			t.Errorf("IsGone(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSender_SendToUser(t *testing.T) {
	browser := newBrowserKeys(t)

	var mu sync.Mutex
	var payloads [][]byte
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusGone)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/busy") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctx := context.Background()
	store := storage.NewMemory()
	for _, r := range []*storage.Record{
		{ID: "ok", UserID: "testuser", Subscription: browser.subscription(server.URL + "/push/ok")},
		{ID: "gone", UserID: "testuser", Subscription: browser.subscription(server.URL + "/push/gone")},
		{ID: "busy", UserID: "testuser", Subscription: browser.subscription(server.URL + "/push/busy")},
		{ID: "other", UserID: "someone-else", Subscription: browser.subscription(server.URL + "/push/other")},
	} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	sender := NewSender(store, newSigner(t), "mailto:test@example.com").WithHTTPClient(server.Client())
	res, err := sender.SendToUser(ctx, "testuser", Message{Title: "Hello", Body: "World"}, nil)
	if err != nil {
		t.Fatalf("SendToUser() error = %v", err)
	}

	if *res != (Result{Sent: 1, Failed: 2, Removed: 1}) {
		t.Errorf("SendToUser() = %+v, want {Sent:1 Failed:2 Removed:1}", *res)
	}
	if _, err := store.Get(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("gone subscription still stored: %v", err)
	}
	if _, err := store.Get(ctx, "busy"); err != nil {
		t.Errorf("busy subscription should be kept: %v", err)
	}

	if len(payloads) != 1 {
		t.Fatalf("push service received %d messages, want 1", len(payloads))
	}
	var msg Message
	if err := json.Unmarshal(browser.decrypt(t, payloads[0]), &msg); err != nil {
		t.Fatalf("unmarshaling message: %v", err)
	}
	if msg.Title != "Hello" || msg.Body != "World" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSender_SendToUser_NoSubscriptions(t *testing.T) {
	sender := NewSender(storage.NewMemory(), newSigner(t), "mailto:test@example.com")
	res, err := sender.SendToUser(context.Background(), "nobody", Message{Title: "x"}, nil)
	if err != nil {
		t.Fatalf("SendToUser() error = %v", err)
	}
	if *res != (Result{}) {
		t.Errorf("SendToUser() = %+v, want zero result", *res)
	}
}

func TestSender_SendToAll(t *testing.T) {
	browser := newBrowserKeys(t)

	var received atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		if strings.HasSuffix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctx := context.Background()
	store := storage.NewMemory()
	for _, r := range []*storage.Record{
		{ID: "a", UserID: "testuser", Subscription: browser.subscription(server.URL + "/push/a")},
		{ID: "b", Subscription: browser.subscription(server.URL + "/push/b")},
		{ID: "c", UserID: "other", Subscription: browser.subscription(server.URL + "/push/gone")},
	} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	sender := NewSender(store, newSigner(t), "mailto:test@example.com").WithHTTPClient(server.Client())
	res, err := sender.SendToAll(ctx, Message{Title: "Ping!"}, &Options{TTL: 3600, Urgency: "normal"})
	if err != nil {
		t.Fatalf("SendToAll() error = %v", err)
	}
	if *res != (Result{Sent: 2, Failed: 1, Removed: 1}) {
		t.Errorf("SendToAll() = %+v, want {Sent:2 Failed:1 Removed:1}", *res)
	}
	if n := received.Load(); n != 3 {
		t.Errorf("push service received %d messages, want 3", n)
	}
	recs, err := store.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("List() = %d records, want 2", len(recs))
	}
}

func TestEncrypt_Header(t *testing.T) {
	browser := newBrowserKeys(t)
	body, err := encrypt(browser.subscription("https://push.example.com/x"), []byte("abc"))
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if body[20] != 65 {
		t.Errorf("idlen = %d, want 65", body[20])
	}
	if !bytes.Equal(browser.decrypt(t, body), []byte("abc")) {
		t.Error("round trip mismatch")
	}
}
