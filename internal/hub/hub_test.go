package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"agentworks/internal/cursor"
	"agentworks/internal/eventlog"
	"agentworks/pkg/models"
)

type fakeSock struct {
	mu          sync.Mutex
	written     [][]byte
	closed      bool
	closeCode   int
	closeReason string
	closeAfter  int // frames written before the close frame
	incoming    chan []byte
}

func newFakeSock() *fakeSock {
	return &fakeSock{incoming: make(chan []byte, 16)}
}

func (s *fakeSock) ReadMessage() (int, []byte, error) {
	data, ok := <-s.incoming
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (s *fakeSock) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("connection closed")
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSock) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		s.mu.Lock()
		s.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		s.closeReason = string(data[2:])
		s.closeAfter = len(s.written)
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeSock) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// frames decodes everything written so far into generic maps.
func (s *fakeSock) frames() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.written))
	for _, raw := range s.written {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// waitFrames polls until at least n frames were written.
func waitFrames(t *testing.T, s *fakeSock, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := s.frames()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, have %d: %v", n, len(got), got)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func frameTypes(frames []map[string]interface{}) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

type allowAllResolver struct{}

func (allowAllResolver) CanAccessAgent(context.Context, AuthContext, string) bool { return true }

func adminAuth() AuthContext {
	return AuthContext{UserID: "u1", IsAdmin: true, Authenticated: true}
}

func newTestHub(opts Options, log *eventlog.Store) *Hub {
	return New(opts, log, allowAllResolver{}, nil, logrus.New())
}

func connect(t *testing.T, h *Hub, auth AuthContext) (*Connection, *fakeSock) {
	t.Helper()
	sock := newFakeSock()
	c := h.AddConnection(auth, sock)
	waitFrames(t, sock, 1) // connected
	return c, sock
}

func TestSubscribeReplaysMissedThenConfirms(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	m1, err := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, map[string]interface{}{"line": 1})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	m2, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, map[string]interface{}{"line": 2})
	m3, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, map[string]interface{}{"line": 3})

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "agent:output:A", m1.Cursor)

	got := waitFrames(t, sock, 4)
	types := frameTypes(got)
	want := []string{"connected", "message", "message", "subscribed"}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("frame order %v, want %v", types, want)
		}
	}

	msg1 := got[1]["message"].(map[string]interface{})
	msg2 := got[2]["message"].(map[string]interface{})
	if msg1["id"] != m2.ID || msg2["id"] != m3.ID {
		t.Fatalf("replayed wrong messages: %v %v", msg1["id"], msg2["id"])
	}
	if got[3]["cursor"] != m3.Cursor {
		t.Fatalf("subscribed cursor = %v, want %v", got[3]["cursor"], m3.Cursor)
	}

	m4, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, map[string]interface{}{"line": 4})
	got = waitFrames(t, sock, 5)
	live := got[4]["message"].(map[string]interface{})
	if live["id"] != m4.ID {
		t.Fatalf("live message after replay: got %v, want %v", live["id"], m4.ID)
	}
}

func TestDeliveryCursorsStrictlyIncrease(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "agent:output:A", "")

	for i := 0; i < 50; i++ {
		if _, err := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := waitFrames(t, sock, 52) // connected + subscribed + 50 messages
	var prev cursor.Cursor
	seen := 0
	for _, f := range got {
		if f["type"] != "message" {
			continue
		}
		token := f["message"].(map[string]interface{})["cursor"].(string)
		cur, err := cursor.Decode(token)
		if err != nil {
			t.Fatalf("malformed delivered cursor: %v", err)
		}
		if seen > 0 && !cursor.Less(prev, cur) {
			t.Fatal("delivered cursors not strictly increasing")
		}
		prev = cur
		seen++
	}
	if seen != 50 {
		t.Fatalf("delivered %d messages, want 50", seen)
	}
}

func TestSubscribeDeniedForForeignWorkspace(t *testing.T) {
	h := newTestHub(Options{}, nil)
	auth := AuthContext{UserID: "u1", WorkspaceIDs: []string{"w1"}, Authenticated: true}
	c, sock := connect(t, h, auth)

	h.Subscribe(context.Background(), c, "workspace:agents:w2", "")

	got := waitFrames(t, sock, 2)
	if got[1]["type"] != "error" || got[1]["code"] != CodeSubscriptionDenied {
		t.Fatalf("expected subscription denied, got %v", got[1])
	}
	if got[1]["severity"] != "terminal" {
		t.Fatalf("denial severity = %v", got[1]["severity"])
	}
	if h.GetStats().Subscriptions != 0 {
		t.Fatal("denied subscribe must not register")
	}
}

func TestAgentChannelDeniedWithoutResolver(t *testing.T) {
	h := New(Options{}, nil, nil, nil, logrus.New())
	auth := AuthContext{UserID: "u1", WorkspaceIDs: []string{"w1"}, Authenticated: true}
	c, sock := connect(t, h, auth)

	h.Subscribe(context.Background(), c, "agent:output:A", "")
	got := waitFrames(t, sock, 2)
	if got[1]["type"] != "error" || got[1]["code"] != CodeSubscriptionDenied {
		t.Fatalf("agent channel without resolver must be denied, got %v", got[1])
	}
}

func TestBackfillFromRingBuffer(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	m1, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, 1)
	m2, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, 2)
	m3, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, 3)

	c, sock := connect(t, h, adminAuth())
	h.Backfill(ctx, c, "agent:output:A", m1.Cursor, 100)

	got := waitFrames(t, sock, 2)
	resp := got[1]
	if resp["type"] != "backfill_response" {
		t.Fatalf("expected backfill_response, got %v", resp)
	}
	msgs := resp["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected m2,m3, got %d messages", len(msgs))
	}
	if resp["hasMore"] != false || resp["cursorExpired"] != nil {
		t.Fatalf("unexpected flags: %v", resp)
	}
	first := msgs[0].(map[string]interface{})
	if first["id"] != m2.ID {
		t.Fatalf("backfill starts at %v, want %v", first["id"], m2.ID)
	}
	if resp["lastCursor"] != m3.Cursor {
		t.Fatalf("lastCursor = %v, want %v", resp["lastCursor"], m3.Cursor)
	}
}

func durableStore(t *testing.T) (*eventlog.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return eventlog.NewStore(db, eventlog.DefaultConfig(), logrus.New()), mock
}

func durableRow(id string, cur cursor.Cursor) []byte {
	msg := models.HubMessage{
		ID:      id,
		Cursor:  cur.Encode(),
		Channel: "agent:output:A",
		Type:    models.TypeAgentOutput,
	}
	body, _ := json.Marshal(msg)
	return body
}

func TestBackfillExpiredCursorFallsToDurableTier(t *testing.T) {
	store, mock := durableStore(t)
	h := newTestHub(Options{}, store)

	// The ring buffer is empty (restart case): a well-formed cursor cannot
	// be served from it and must fall through.
	from := cursor.Cursor{Timestamp: 50, Sequence: 1}
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`\(cursor_timestamp, cursor_sequence\) >`).
		WillReturnRows(sqlmock.NewRows([]string{"message"}).
			AddRow(durableRow("e2", cursor.Cursor{Timestamp: 60, Sequence: 2})).
			AddRow(durableRow("e3", cursor.Cursor{Timestamp: 70, Sequence: 3})))

	c, sock := connect(t, h, adminAuth())
	h.Backfill(context.Background(), c, "agent:output:A", from.Encode(), 100)

	got := waitFrames(t, sock, 2)
	resp := got[1]
	if resp["type"] != "backfill_response" {
		t.Fatalf("expected backfill_response, got %v", resp)
	}
	msgs := resp["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("durable tier should serve 2 messages, got %d", len(msgs))
	}
	if resp["cursorExpired"] != nil {
		t.Fatalf("cursor found in durable tier must not flag expired: %v", resp)
	}
}

func TestBackfillThrottledAtReplayCap(t *testing.T) {
	store, mock := durableStore(t)
	h := newTestHub(Options{MaxConcurrentReplays: 2}, store)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT EXISTS").
			WillDelayFor(200 * time.Millisecond).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("ORDER BY cursor_timestamp ASC").
			WillReturnRows(sqlmock.NewRows([]string{"message"}))
	}

	c, sock := connect(t, h, adminAuth())
	from := cursor.Cursor{Timestamp: 50, Sequence: 1}.Encode()

	ctx := context.Background()
	h.Backfill(ctx, c, "agent:output:A", from, 10)
	h.Backfill(ctx, c, "agent:output:A", from, 10)
	h.Backfill(ctx, c, "agent:output:A", from, 10)

	got := waitFrames(t, sock, 2)
	throttled := got[1]
	if throttled["type"] != "throttled" {
		t.Fatalf("third concurrent backfill must throttle, got %v", throttled)
	}
	if throttled["currentCount"] != float64(2) || throttled["limit"] != float64(2) {
		t.Fatalf("throttle counts wrong: %v", throttled)
	}
	if throttled["resumeAfterMs"] != float64(1000) {
		t.Fatalf("resumeAfterMs = %v", throttled["resumeAfterMs"])
	}
}

func TestAckSettlesAndReportsUnknown(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "agent:state:A", "")

	m1, _ := h.Publish(ctx, "agent:state:A", models.TypeAgentStateChanged, "busy")
	waitFrames(t, sock, 3)

	h.Ack(c, []string{m1.ID, "never-sent"})
	got := waitFrames(t, sock, 4)
	resp := got[3]
	if resp["type"] != "ack_response" {
		t.Fatalf("expected ack_response, got %v", resp)
	}
	acked := resp["acknowledged"].([]interface{})
	missing := resp["notFound"].([]interface{})
	if len(acked) != 1 || acked[0] != m1.ID {
		t.Fatalf("acknowledged = %v", acked)
	}
	if len(missing) != 1 || missing[0] != "never-sent" {
		t.Fatalf("notFound = %v", missing)
	}
	if c.pendingCount() != 0 {
		t.Fatal("ack must clear pending")
	}
}

func TestSlowAckerSuspendsThenCatchesUp(t *testing.T) {
	h := newTestHub(Options{MaxPendingAcks: 4}, nil)
	ctx := context.Background()

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "agent:state:A", "")
	waitFrames(t, sock, 2)

	var ids []string
	for i := 0; i < 4; i++ {
		m, _ := h.Publish(ctx, "agent:state:A", models.TypeAgentStateChanged, i)
		ids = append(ids, m.ID)
	}
	waitFrames(t, sock, 6)
	if !c.isSuspended() {
		t.Fatal("hitting the pending-ack cap must suspend fan-out")
	}

	// Deferred, not dropped: the suspended connection gets nothing now but
	// the message stays replayable.
	m5, _ := h.Publish(ctx, "agent:state:A", models.TypeAgentStateChanged, 5)
	time.Sleep(20 * time.Millisecond)
	for _, f := range sock.frames() {
		if f["type"] == "message" && f["message"].(map[string]interface{})["id"] == m5.ID {
			t.Fatal("suspended connection must not receive live fan-out")
		}
	}

	h.Ack(c, ids[:3])
	got := waitFrames(t, sock, 8) // + ack_response + caught-up m5
	if c.isSuspended() {
		t.Fatal("acks below threshold must resume the connection")
	}
	found := false
	for _, f := range got {
		if f["type"] == "message" && f["message"].(map[string]interface{})["id"] == m5.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("resume must replay the deferred message from the ring buffer")
	}
}

func TestReconnectReplaysCursorMap(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	m1, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, 1)
	h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, 2)
	m3, _ := h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, 3)

	c, sock := connect(t, h, adminAuth())
	h.Reconnect(ctx, c, map[string]string{"agent:output:A": m1.Cursor})

	got := waitFrames(t, sock, 4) // connected + 2 messages + reconnect_ack
	ack := got[len(got)-1]
	if ack["type"] != "reconnect_ack" {
		t.Fatalf("expected reconnect_ack last, got %v", ack)
	}
	replayed := ack["replayed"].(map[string]interface{})
	if replayed["agent:output:A"] != float64(2) {
		t.Fatalf("replayed = %v", replayed)
	}
	newCursors := ack["newCursors"].(map[string]interface{})
	if newCursors["agent:output:A"] != m3.Cursor {
		t.Fatalf("newCursors = %v, want %v", newCursors, m3.Cursor)
	}
	if len(ack["expired"].([]interface{})) != 0 {
		t.Fatalf("nothing expired: %v", ack["expired"])
	}
	if !c.subscribed("agent:output:A") {
		t.Fatal("reconnect must re-register the subscription")
	}
}

func TestPongReportsSubscriptions(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "system:health", "")
	waitFrames(t, sock, 2)

	h.Pong(c, 12345)
	got := waitFrames(t, sock, 3)
	pong := got[2]
	if pong["type"] != "pong" || pong["timestamp"] != float64(12345) {
		t.Fatalf("bad pong: %v", pong)
	}
	subs := pong["subscriptions"].([]interface{})
	if len(subs) != 1 || subs[0] != "system:health" {
		t.Fatalf("pong subscriptions = %v", subs)
	}
}

func TestCloseAllIsSynchronous(t *testing.T) {
	h := newTestHub(Options{}, nil)

	_, sock1 := connect(t, h, adminAuth())
	_, sock2 := connect(t, h, adminAuth())

	h.CloseAll(1013, "maintenance")

	if n := h.GetStats().Connections; n != 0 {
		t.Fatalf("connections remain after CloseAll: %d", n)
	}
	for _, s := range []*fakeSock{sock1, sock2} {
		s.mu.Lock()
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		if code != 1013 || reason != "maintenance" {
			t.Fatalf("close code/reason = %d/%q", code, reason)
		}
	}
}

func TestCloseAllFlushesQueuedFramesFirst(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "system:maintenance", "")
	waitFrames(t, sock, 2)

	m, err := h.Publish(ctx, "system:maintenance", models.TypeMaintenanceStateChanged, map[string]interface{}{"state": "maintenance"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	h.CloseAll(1013, "maintenance")

	found := false
	for _, f := range sock.frames() {
		if f["type"] == "message" && f["message"].(map[string]interface{})["id"] == m.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("state change queued before the close must still be delivered")
	}

	sock.mu.Lock()
	code, closeAfter, wrote := sock.closeCode, sock.closeAfter, len(sock.written)
	sock.mu.Unlock()
	if code != 1013 {
		t.Fatalf("close code = %d, want 1013", code)
	}
	if closeAfter != wrote {
		t.Fatalf("close frame sent after %d of %d frames", closeAfter, wrote)
	}
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	h := newTestHub(Options{HeartbeatTimeout: 10 * time.Millisecond}, nil)

	_, sock := connect(t, h, adminAuth())
	time.Sleep(30 * time.Millisecond)
	h.heartbeatTick()

	if n := h.GetStats().Connections; n != 0 {
		t.Fatalf("stale connection not closed: %d", n)
	}
	sock.mu.Lock()
	code := sock.closeCode
	sock.mu.Unlock()
	if code != 1011 {
		t.Fatalf("stale close code = %d, want 1011", code)
	}
}

func TestHeartbeatProbesLiveConnections(t *testing.T) {
	h := newTestHub(Options{}, nil)

	_, sock := connect(t, h, adminAuth())
	h.heartbeatTick()

	got := waitFrames(t, sock, 2)
	if got[1]["type"] != "heartbeat" {
		t.Fatalf("expected heartbeat, got %v", got[1])
	}
	if h.GetStats().Connections != 1 {
		t.Fatal("fresh connection must survive the tick")
	}
}

func TestFanOutFailureIsolatesConnections(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	slow, slowSock := connect(t, h, adminAuth())
	healthy, healthySock := connect(t, h, adminAuth())
	h.Subscribe(ctx, slow, "agent:output:A", "")
	h.Subscribe(ctx, healthy, "agent:output:A", "")
	waitFrames(t, slowSock, 2)
	waitFrames(t, healthySock, 2)

	// Wedge the slow connection's write pump and overflow its send queue.
	slowSock.mu.Lock()
	slowSock.closed = true
	slowSock.mu.Unlock()

	for i := 0; i < sendQueueSize+8; i++ {
		h.Publish(ctx, "agent:output:A", models.TypeAgentOutput, i)
	}

	got := waitFrames(t, healthySock, 2+sendQueueSize)
	count := 0
	for _, f := range got {
		if f["type"] == "message" {
			count++
		}
	}
	if count < sendQueueSize {
		t.Fatalf("healthy subscriber starved: %d messages", count)
	}
}

func TestGetStats(t *testing.T) {
	h := newTestHub(Options{}, nil)
	ctx := context.Background()

	c, sock := connect(t, h, adminAuth())
	h.Subscribe(ctx, c, "system:health", "")
	h.Subscribe(ctx, c, "agent:state:A", "")
	waitFrames(t, sock, 3)
	h.Publish(ctx, "agent:state:A", models.TypeAgentStateChanged, "busy")

	stats := h.GetStats()
	if stats.Connections != 1 || stats.Subscriptions != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ChannelSubscriptions["agent:state:A"] != 1 {
		t.Fatalf("channel counts = %v", stats.ChannelSubscriptions)
	}
	if stats.PendingAcks != 1 {
		t.Fatalf("pendingAcks = %d", stats.PendingAcks)
	}
}
