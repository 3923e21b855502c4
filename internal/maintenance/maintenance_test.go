package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"agentworks/pkg/models"
)

type fabricEvent struct {
	kind    string // "publish" or "close"
	channel string
	msgType models.MessageType
	payload interface{}
	code    int
	reason  string
}

type fakeFabric struct {
	mu     sync.Mutex
	events []fabricEvent
}

func (f *fakeFabric) Publish(_ context.Context, channel string, msgType models.MessageType, payload interface{}) (models.HubMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fabricEvent{kind: "publish", channel: channel, msgType: msgType, payload: payload})
	return models.HubMessage{Channel: channel, Type: msgType}, nil
}

func (f *fakeFabric) CloseAll(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fabricEvent{kind: "close", code: code, reason: reason})
}

func (f *fakeFabric) all() []fabricEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fabricEvent, len(f.events))
	copy(out, f.events)
	return out
}

func TestEnterMaintenancePublishesBeforeClosing(t *testing.T) {
	fab := &fakeFabric{}
	c := NewCoordinator(fab, logrus.New())

	state := c.EnterMaintenance(context.Background(), "ops", "deploy")
	if state.Mode != models.ModeMaintenance {
		t.Fatalf("mode = %s", state.Mode)
	}

	events := fab.all()
	if len(events) != 2 {
		t.Fatalf("expected publish then close, got %d events", len(events))
	}
	if events[0].kind != "publish" || events[0].channel != "system:maintenance" || events[0].msgType != models.TypeMaintenanceStateChanged {
		t.Fatalf("first event must be the state_changed publish: %+v", events[0])
	}
	snapshot, ok := events[0].payload.(models.MaintenanceState)
	if !ok || snapshot.Mode != models.ModeMaintenance {
		t.Fatalf("published payload must be the maintenance snapshot: %+v", events[0].payload)
	}
	if events[1].kind != "close" || events[1].code != 1013 || events[1].reason != "maintenance" {
		t.Fatalf("close must use 1013/maintenance: %+v", events[1])
	}
}

func TestDrainingSchedulesCloseAtDeadline(t *testing.T) {
	fab := &fakeFabric{}
	c := NewCoordinator(fab, logrus.New())

	state := c.StartDraining(context.Background(), "ops", "restart", 0)
	if state.Mode != models.ModeDraining || state.DeadlineAt == nil {
		t.Fatalf("bad draining state: %+v", state)
	}
	if c.Accepting() {
		t.Fatal("draining must stop accepting new work")
	}

	deadline := time.After(time.Second)
	for {
		events := fab.all()
		if len(events) == 2 {
			if events[1].kind != "close" || events[1].code != 1012 || events[1].reason != "draining" {
				t.Fatalf("drain close must use 1012/draining: %+v", events[1])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("drain close never fired: %+v", events)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExitMaintenanceCancelsDrain(t *testing.T) {
	fab := &fakeFabric{}
	c := NewCoordinator(fab, logrus.New())

	c.StartDraining(context.Background(), "ops", "restart", 3600)
	state := c.ExitMaintenance(context.Background(), "ops")
	if state.Mode != models.ModeRunning {
		t.Fatalf("mode = %s", state.Mode)
	}
	if !c.Accepting() {
		t.Fatal("running mode must accept work")
	}
	for _, e := range fab.all() {
		if e.kind == "close" {
			t.Fatal("cancelled drain must not close connections")
		}
	}
}

func TestRetryAfterTracksDrainDeadline(t *testing.T) {
	fab := &fakeFabric{}
	c := NewCoordinator(fab, logrus.New())

	c.StartDraining(context.Background(), "ops", "restart", 120)
	secs := c.RetryAfterSeconds()
	if secs < 100 || secs > 121 {
		t.Fatalf("retry-after should track the deadline, got %d", secs)
	}

	c.EnterMaintenance(context.Background(), "ops", "deploy")
	if c.RetryAfterSeconds() != defaultRetryAfterSeconds {
		t.Fatal("maintenance mode uses the fixed hint")
	}
}

func TestMiddlewareRejectsDuringMaintenance(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fab := &fakeFabric{}
	c := NewCoordinator(fab, logrus.New())

	router := gin.New()
	router.Use(c.Middleware())
	router.GET("/ok", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("running mode must pass, got %d", w.Code)
	}

	c.EnterMaintenance(context.Background(), "ops", "deploy")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("maintenance must reject with 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("503 must carry Retry-After")
	}
}
