package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/config"
)

func newTestServer(t *testing.T, token string) (*Server, *activity.Log, *httptest.Server) {
	t.Helper()
	act := activity.NewLog(nil)
	s := NewServer(config.GatewayConfig{Token: token}, act, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, act, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestAuthorized(t *testing.T) {
	open := NewServer(config.GatewayConfig{}, nil, nil)
	gated := NewServer(config.GatewayConfig{Token: "sekrit"}, nil, nil)

	req := func(url string, header string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, url, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	cases := []struct {
		name string
		srv  *Server
		req  *http.Request
		want bool
	}{
		{"no token configured", open, req("/ws", ""), true},
		{"query token", gated, req("/ws?token=sekrit", ""), true},
		{"bearer header", gated, req("/ws", "Bearer sekrit"), true},
		{"bare header", gated, req("/ws", "sekrit"), true},
		{"wrong token", gated, req("/ws?token=guess", ""), false},
		{"missing token", gated, req("/ws", ""), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.srv.authorized(tc.req); got != tc.want {
				t.Errorf("authorized = %v", got)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestUnauthorizedUpgradeRejected(t *testing.T) {
	_, _, ts := newTestServer(t, "sekrit")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFeedDeliversActivity(t *testing.T) {
	s, act, ts := newTestServer(t, "sekrit")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws?token=sekrit"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The subscription is registered during the upgrade handler; give it
	// a moment before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for s.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	act.Emit(activity.KindMessage, "20260820-abcdef1234", map[string]any{"length": 42})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var entry activity.Entry
	if err := json.Unmarshal(frame, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Kind != activity.KindMessage || entry.ThreadID != "20260820-abcdef1234" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Payload["length"] != float64(42) {
		t.Errorf("payload = %v", entry.Payload)
	}
}

func TestClientCleanupOnDisconnect(t *testing.T) {
	s, _, ts := newTestServer(t, "")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for s.clientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
