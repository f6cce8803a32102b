package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jwoglom/hwmanager/pkg/config"
	"github.com/jwoglom/hwmanager/pkg/events"
	"github.com/jwoglom/hwmanager/pkg/firmware"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *config.Env, *events.Bus) {
	t.Helper()
	env := config.NewEnv()
	bus := events.NewBus(0)
	s := New(env, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Forward(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, env, bus
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// the env snapshot confirms the client is registered
	if msg := readMessage(t, conn); msg.Type != MessageEnv {
		t.Fatalf("Expected initial env message, got %+v", msg)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func TestEnvAPI_Get(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/env")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var values map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&values); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if values[string(config.ForceProvider)] != "0" {
		t.Errorf("Expected FORCE_PROVIDER=0, got %q", values[string(config.ForceProvider)])
	}
}

func TestEnvAPI_Put(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantValue  string
	}{
		{"valid", `{"FORCE_PROVIDER":"4"}`, http.StatusOK, "4"},
		{"unknown setting", `{"NOPE":"1"}`, http.StatusBadRequest, "0"},
		{"invalid value", `{"FORCE_PROVIDER":"x"}`, http.StatusBadRequest, "0"},
		{"malformed", `{`, http.StatusBadRequest, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts, env, _ := newTestServer(t)

			req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/env", strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if got := env.Get(config.ForceProvider); got != tt.wantValue {
				t.Errorf("Expected FORCE_PROVIDER=%s, got %s", tt.wantValue, got)
			}
		})
	}
}

func TestEnvAPI_MethodNotAllowed(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/env", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestWebsocket_ForwardsBusEvents(t *testing.T) {
	_, ts, _, bus := newTestServer(t)
	conn := dial(t, ts)

	bus.Trace(events.Trace{Type: events.TraceExchange, Data: "e001000000"})
	msg := readMessage(t, conn)
	if msg.Type != MessageTrace || msg.Trace == nil || msg.Trace.Data != "e001000000" {
		t.Errorf("Expected exchange trace, got %+v", msg)
	}

	bus.Warning("low battery")
	msg = readMessage(t, conn)
	if msg.Type != MessageWarning || msg.Message != "low battery" {
		t.Errorf("Expected warning, got %+v", msg)
	}
}

func TestWebsocket_Progress(t *testing.T) {
	s, ts, _, _ := newTestServer(t)
	conn := dial(t, ts)

	s.SendProgress(firmware.Progress{Installing: firmware.StepFlashMcu, Progress: 0.5})
	msg := readMessage(t, conn)
	if msg.Type != MessageProgress || msg.Progress == nil {
		t.Fatalf("Expected progress, got %+v", msg)
	}
	if msg.Progress.Installing != firmware.StepFlashMcu || msg.Progress.Progress != 0.5 {
		t.Errorf("Expected flash-mcu at 0.5, got %+v", msg.Progress)
	}
}

func TestWebsocket_Commands(t *testing.T) {
	_, ts, env, _ := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(map[string]interface{}{
		"command": "setEnv",
		"params":  map[string]string{"FORCE_PROVIDER": "7"},
	}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageEnv || msg.Env["FORCE_PROVIDER"] != "7" {
		t.Errorf("Expected updated env, got %+v", msg)
	}
	if env.GetInt(config.ForceProvider) != 7 {
		t.Errorf("Expected provider 7, got %d", env.GetInt(config.ForceProvider))
	}

	if err := conn.WriteJSON(map[string]string{"command": "reboot"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	msg = readMessage(t, conn)
	if msg.Type != MessageError {
		t.Errorf("Expected error for unknown command, got %+v", msg)
	}
}
