package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"equity-backtest/services/events"
	"equity-backtest/services/model"
)

var day = model.NewDate(2024, time.June, 3)

func TestHubDeliversAndClosesOnCompletion(t *testing.T) {
	h := NewHub(4, nil)
	ch, cancel := h.Subscribe("run-1")
	defer cancel()
	other, cancelOther := h.Subscribe("run-2")
	defer cancelOther()

	l := h.ForRun("run-1")
	l.OnEvent(events.CashEvent{Type: events.CashDeposit, Date: day, Amount: decimal.NewFromInt(5)})
	l.OnEvent(events.SimulationStateEvent{Date: day, State: events.Complete})

	var got []events.Type
	for env := range ch {
		if env.RunID != "run-1" {
			t.Fatalf("envelope for %q", env.RunID)
		}
		got = append(got, env.Type)
	}
	if len(got) != 2 || got[1] != events.TypeSimulationState {
		t.Fatalf("types = %v", got)
	}
	select {
	case env := <-other:
		t.Fatalf("run-2 subscriber got %+v", env)
	default:
	}
	late, _ := h.Subscribe("run-1")
	if _, open := <-late; open {
		t.Fatal("subscription to a finished run should be closed")
	}
}

func TestHubDropsWhenSubscriberBehind(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe("run-1")
	l := h.ForRun("run-1")
	for i := 0; i < 5; i++ {
		l.OnEvent(events.CashEvent{Date: day})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1", len(ch))
	}
	cancel()
	if h.Subscribers("run-1") != 0 {
		t.Fatal("cancel did not unsubscribe")
	}
}

func TestHubWebsocketHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(16, nil)
	r := gin.New()
	r.GET("/runs/:id/stream", h.Handler)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/run-9/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("run-9") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	l := h.ForRun("run-9")
	l.OnEvent(events.NetWorthEvent{Date: day, NetWorth: decimal.NewFromInt(7)})
	l.OnEvent(events.SimulationStateEvent{Date: day, State: events.Complete})

	var msg struct {
		RunID string          `json:"run_id"`
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.RunID != "run-9" || msg.Type != string(events.TypeNetWorth) {
		t.Fatalf("msg = %+v", msg)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != string(events.TypeSimulationState) {
		t.Fatalf("second msg = %+v, %v", msg, err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestHubFinishWithoutTerminalEvent(t *testing.T) {
	h := NewHub(4, nil)
	ch, cancel := h.Subscribe("run-1")
	defer cancel()
	h.ForRun("run-1").OnEvent(events.CashEvent{Type: events.CashDeposit, Date: day})

	h.Finish("run-1")
	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Fatalf("delivered %d events before close, want 1", n)
	}
	if h.Subscribers("run-1") != 0 {
		t.Fatal("finished run still has subscribers")
	}
	late, _ := h.Subscribe("run-1")
	if _, open := <-late; open {
		t.Fatal("subscription to a finished run should be closed")
	}
}

func TestHubWebsocketClientDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(16, nil)
	r := gin.New()
	r.GET("/runs/:id/stream", h.Handler)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/run-3/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("run-3") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for h.Subscribers("run-3") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("disconnected client still subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeRedis struct {
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	return goredis.NewIntResult(1, f.err)
}

func TestRedisPublisher(t *testing.T) {
	fake := &fakeRedis{}
	p := &RedisPublisher{client: fake, prefix: "backtest", logger: zap.NewNop()}
	p.ForRun("run-1").OnEvent(events.OrderEvent{Type: events.OrderEntry, Date: day, OrderID: "o-1"})

	if len(fake.channels) != 1 || fake.channels[0] != "backtest:run-1" {
		t.Fatalf("channels = %v", fake.channels)
	}
	var env map[string]any
	if err := json.Unmarshal(fake.payloads[0], &env); err != nil {
		t.Fatal(err)
	}
	if env["run_id"] != "run-1" || env["type"] != "order" {
		t.Fatalf("envelope = %v", env)
	}

	fake.err = errors.New("connection refused")
	p.ForRun("run-1").OnEvent(events.OrderEvent{Date: day})
	if len(fake.channels) != 2 {
		t.Fatal("failed publish should still have been attempted")
	}
}
