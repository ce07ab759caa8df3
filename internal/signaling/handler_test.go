package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/registry"
	"roomrelay/pkg/store"
)

type testFrame struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId"`
	UserID       string          `json:"userId"`
	Participants []string        `json:"participants"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Message      string          `json:"message"`
	Data         json.RawMessage `json:"data"`
}

type fixture struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := registry.New()
	h, err := NewHandler(Config{Store: mem, Registry: reg})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /ws/signaling", h)
	mux.Handle("GET /ws/signaling/{roomID}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: mem, registry: reg}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) testFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f testFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

// expectSilence fails if ws receives a frame within a short window. The read
// timeout breaks the connection, so it must be the last read on ws.
func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func join(t *testing.T, ws *websocket.Conn, roomID, userID string) testFrame {
	t.Helper()
	send(t, ws, map[string]any{"type": "join-room", "roomId": roomID, "userId": userID})
	got := readFrame(t, ws)
	if got.Type != typeRoomJoined {
		t.Fatalf("expected room-joined, got %+v", got)
	}
	return got
}

func TestJoinListsExistingParticipants(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "/ws/signaling")
	b := f.dial(t, "/ws/signaling")

	joinedA := join(t, a, "R1", "A")
	if len(joinedA.Participants) != 0 || joinedA.UserID != "A" || joinedA.RoomID != "R1" {
		t.Fatalf("first joiner frame %+v", joinedA)
	}
	joinedB := join(t, b, "R1", "B")
	if !reflect.DeepEqual(joinedB.Participants, []string{"A"}) {
		t.Fatalf("B participants = %v, want [A]", joinedB.Participants)
	}
	got := readFrame(t, a)
	if got.Type != typeUserJoined || got.UserID != "B" {
		t.Fatalf("A expected user-joined{B}, got %+v", got)
	}

	room, ok, err := f.store.GetRoom(t.Context(), "R1")
	if err != nil || !ok || !room.IsActive {
		t.Fatalf("room should be created: %+v ok=%v err=%v", room, ok, err)
	}
	_, connected, _ := f.store.CountParticipants(t.Context(), "R1")
	if connected != 2 {
		t.Fatalf("expected 2 connected participants, got %d", connected)
	}
}

func TestGeneratedMemberIDAndPathRoom(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "/ws/signaling/lobby")
	send(t, ws, map[string]any{"type": "join-room"})
	got := readFrame(t, ws)
	if got.Type != typeRoomJoined || got.RoomID != "lobby" {
		t.Fatalf("expected join into path room, got %+v", got)
	}
	if len(got.UserID) != MemberIDLength {
		t.Fatalf("generated id %q should have length %d", got.UserID, MemberIDLength)
	}
}

func TestJoinWithoutRoomIsAnError(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "/ws/signaling")
	send(t, ws, map[string]any{"type": "join-room"})
	if got := readFrame(t, ws); got.Type != typeError {
		t.Fatalf("expected error frame, got %+v", got)
	}
}

func TestRelayReachesOnlyTarget(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "/ws/signaling")
	b := f.dial(t, "/ws/signaling")
	c := f.dial(t, "/ws/signaling")
	join(t, a, "R1", "A")
	join(t, b, "R1", "B")
	readFrame(t, a) // user-joined B
	join(t, c, "R1", "C")
	readFrame(t, a) // user-joined C
	readFrame(t, b) // user-joined C

	send(t, a, map[string]any{"type": "offer", "to": "B", "data": map[string]string{"sdp": "v=0"}})
	got := readFrame(t, b)
	if got.Type != typeOffer || got.From != "A" || got.To != "B" || !strings.Contains(string(got.Data), "v=0") {
		t.Fatalf("B expected offer from A, got %+v", got)
	}
	expectSilence(t, c)

	// A's next frame is B's answer, so A never saw its own offer.
	send(t, b, map[string]any{"type": "answer", "to": "A", "data": map[string]string{"sdp": "answer"}})
	if got := readFrame(t, a); got.Type != typeAnswer || got.From != "B" {
		t.Fatalf("A expected answer from B, got %+v", got)
	}
	send(t, a, map[string]any{"type": "ice-candidate", "to": "ghost", "data": map[string]string{}})
	expectSilence(t, b)
}

func TestLeaveAndDisconnect(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "/ws/signaling")
	b := f.dial(t, "/ws/signaling")
	join(t, a, "R1", "A")
	join(t, b, "R1", "B")
	readFrame(t, a)

	send(t, b, map[string]any{"type": "leave-room"})
	if got := readFrame(t, a); got.Type != typeUserLeft || got.UserID != "B" {
		t.Fatalf("A expected user-left{B}, got %+v", got)
	}

	_ = a.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("empty room should be removed from the registry")
	}
	for f.connectedCount(t, "R1") != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	parts := f.store.Participants("R1")
	if len(parts) != 2 {
		t.Fatalf("participant rows must be kept, got %d", len(parts))
	}
	for _, p := range parts {
		if p.IsConnected {
			t.Fatalf("participant %s should be disconnected", p.UserID)
		}
	}
}

func (f *fixture) connectedCount(t *testing.T, roomID string) int {
	t.Helper()
	_, connected, err := f.store.CountParticipants(t.Context(), roomID)
	if err != nil {
		t.Fatalf("count participants: %v", err)
	}
	return connected
}

func TestRejoinMovesRooms(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "/ws/signaling")
	b := f.dial(t, "/ws/signaling")
	join(t, a, "R1", "A")
	join(t, b, "R1", "B")
	readFrame(t, a)

	join(t, b, "R2", "B")
	if got := readFrame(t, a); got.Type != typeUserLeft || got.UserID != "B" {
		t.Fatalf("A expected B to leave R1, got %+v", got)
	}
	if f.registry.Size(GroupKey("R1")) != 1 || f.registry.Size(GroupKey("R2")) != 1 {
		t.Fatalf("unexpected registry sizes")
	}
}

func TestUnknownTypeAndRelayBeforeJoinAreIgnored(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "/ws/signaling")
	send(t, ws, map[string]any{"type": "wave"})
	send(t, ws, map[string]any{"type": "offer", "to": "B"})

	// The first reply is for the malformed frame; the two above produced nothing.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrame(t, ws); got.Type != typeError {
		t.Fatalf("malformed frame should get an error, got %+v", got)
	}
	join(t, ws, "R9", "Z")
}

func TestMemberIDTakeover(t *testing.T) {
	f := newFixture(t)
	b := f.dial(t, "/ws/signaling")
	first := f.dial(t, "/ws/signaling")
	second := f.dial(t, "/ws/signaling")
	join(t, b, "R1", "B")
	join(t, first, "R1", "A")
	if got := readFrame(t, b); got.Type != typeUserJoined || got.UserID != "A" {
		t.Fatalf("B expected user-joined{A}, got %+v", got)
	}

	joined := join(t, second, "R1", "A")
	if !reflect.DeepEqual(joined.Participants, []string{"B"}) {
		t.Fatalf("participants must not include the joiner's own id, got %v", joined.Participants)
	}
	if got := readFrame(t, first); got.Type != typeError || !strings.Contains(got.Message, "another connection") {
		t.Fatalf("displaced connection should be told, got %+v", got)
	}
	if got := readFrame(t, b); got.Type != typeUserJoined || got.UserID != "A" {
		t.Fatalf("B expected user-joined{A} from the new connection, got %+v", got)
	}

	// The displaced connection no longer relays as A. The malformed frame's
	// reply orders its offer before the newcomer's.
	send(t, first, map[string]any{"type": "offer", "to": "B", "data": map[string]string{"sdp": "stale"}})
	if err := first.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrame(t, first); got.Type != typeError || got.Message != "Invalid message format" {
		t.Fatalf("expected malformed frame error, got %+v", got)
	}
	send(t, second, map[string]any{"type": "offer", "to": "B", "data": map[string]string{"sdp": "fresh"}})
	got := readFrame(t, b)
	if got.Type != "offer" || got.From != "A" || !strings.Contains(string(got.Data), "fresh") {
		t.Fatalf("B should only get the newcomer's offer, got %+v", got)
	}

	// Closing the displaced connection leaves the newcomer registered.
	_ = first.Close()
	time.Sleep(100 * time.Millisecond)
	if f.registry.Size(GroupKey("R1")) != 2 {
		t.Fatalf("newcomer must stay registered, size %d", f.registry.Size(GroupKey("R1")))
	}
	if f.connectedCount(t, "R1") != 2 {
		t.Fatalf("participant row for A must stay connected")
	}
	expectSilence(t, b)
}
