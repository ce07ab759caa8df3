package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"roomrelay/internal/chat"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/registry"
	"roomrelay/internal/signaling"
	"roomrelay/internal/token"
	"roomrelay/internal/wsauth"
	"roomrelay/pkg/domain"
	"roomrelay/pkg/storage"
	"roomrelay/pkg/store"
)

type testEnv struct {
	srv     *httptest.Server
	store   *store.MemoryStore
	objects *storage.MemoryObjectStore
	tokens  *token.Service
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	if err := mem.SaveUser(context.Background(), domain.User{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	tokens, err := token.NewService(token.Config{Secret: "server-test-secret"})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	auth, err := wsauth.NewAuthenticator(tokens, mem)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	reg := registry.New()
	objects := storage.NewMemoryObjectStore("http://blobs.test")
	chatHandler, err := chat.NewHandler(chat.Config{Store: mem, Registry: reg, Auth: auth})
	if err != nil {
		t.Fatalf("chat handler: %v", err)
	}
	sigHandler, err := signaling.NewHandler(signaling.Config{Store: mem, Registry: reg})
	if err != nil {
		t.Fatalf("signaling handler: %v", err)
	}
	s, err := New(Config{
		Store:          mem,
		Chat:           chatHandler,
		Signaling:      sigHandler,
		Objects:        objects,
		UpgradeLimiter: limiter,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: mem, objects: objects, tokens: tokens}
}

var noRedirect = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}}

func TestHealthAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("body = %v err=%v", body, err)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("middleware headers missing: %v", resp.Header)
	}
}

func TestRoomStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.GetOrCreateRoom(ctx, "R1"); err != nil {
		t.Fatalf("room: %v", err)
	}
	_ = env.store.UpsertParticipant(ctx, "R1", "A", true)
	_ = env.store.UpsertParticipant(ctx, "R1", "B", false)

	cases := []struct {
		room string
		want roomStatus
	}{
		{"R1", roomStatus{RoomID: "R1", ParticipantCount: 2, OnlineCount: 1, IsActive: true}},
		{"nowhere", roomStatus{RoomID: "nowhere"}},
	}
	for _, tc := range cases {
		resp, err := http.Get(env.srv.URL + "/api/rooms/" + tc.room + "/status")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var got roomStatus
		err = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != tc.want {
			t.Fatalf("status(%s) = %+v, want %+v", tc.room, got, tc.want)
		}
	}
}

func TestAttachmentEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	body := "with files"
	msg, err := env.store.CreateMessage(ctx, "R1", "alice", &body, domain.SenderTypeUser)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	inline, _ := env.store.CreateAttachment(ctx, domain.Attachment{MessageID: msg.ID, Data: []byte("hello"), FileType: "text/plain", OriginalFilename: "a.txt", FileSize: 5})
	external, _ := env.store.CreateAttachment(ctx, domain.Attachment{MessageID: msg.ID, FileURL: "https://cdn.example/x.png", FileType: "image/png"})
	key := storage.AttachmentKey(time.Now(), "obj", "b.bin")
	if err := env.objects.Put(ctx, key, strings.NewReader("blob"), 4, "application/octet-stream"); err != nil {
		t.Fatalf("put: %v", err)
	}
	stored, _ := env.store.CreateAttachment(ctx, domain.Attachment{MessageID: msg.ID, StorageKey: key, OriginalFilename: "b.bin"})

	resp, err := noRedirect.Get(env.srv.URL + "/api/attachments/" + inline.ID)
	if err != nil {
		t.Fatalf("get inline: %v", err)
	}
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(buf[:n]) != "hello" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("inline response %d %q %q", resp.StatusCode, buf[:n], resp.Header.Get("Content-Type"))
	}

	resp, err = noRedirect.Get(env.srv.URL + "/api/attachments/" + external.ID)
	if err != nil {
		t.Fatalf("get external: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "https://cdn.example/x.png" {
		t.Fatalf("external response %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = noRedirect.Get(env.srv.URL + "/api/attachments/" + stored.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || !strings.HasPrefix(resp.Header.Get("Location"), "http://blobs.test/"+key) {
		t.Fatalf("stored response %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = noRedirect.Get(env.srv.URL + "/api/attachments/missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing attachment status = %d", resp.StatusCode)
	}
}

func TestChatThroughMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)
	tok, err := env.tokens.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/chat/R1?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first struct {
		Type   string `json:"type"`
		RoomID string `json:"room_id"`
	}
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != "connection_established" || first.RoomID != "R1" {
		t.Fatalf("unexpected first frame %+v", first)
	}
}

func TestUpgradeRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:upgrade", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	env := newTestEnv(t, limiter)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/signaling"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial should succeed: %v", err)
	}
	_ = ws.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("second dial should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}
}
