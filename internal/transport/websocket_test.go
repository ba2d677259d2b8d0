package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

func TestWebSocket_Exchange(t *testing.T) {
	accepted := make(chan *WebSocket, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewWebSocket(conn, true, WebSocketOptions{})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(ctx, url, nil, WebSocketOptions{})
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	cr := newRecorder()
	client.Start(cr.handler())

	var server *WebSocket
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never upgraded")
	}
	sr := newRecorder()
	server.Start(sr.handler())

	cr.waitReady(t)
	sr.waitReady(t)
	if st := client.Status(); !st.Ready() || st.Encrypted {
		t.Errorf("client Status() = %+v", st)
	}

	// Two lines in one Send become two frames, each delivered as a line.
	if err := client.Send([]byte("first\nsecond\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sr.waitData(t, "first\nsecond\n")

	client.Close(rpc.ReasonShuttingDown)
	if ev := cr.waitClosed(t); ev.reason != rpc.ReasonShuttingDown {
		t.Errorf("client closed with %v, want ShuttingDown", ev.reason)
	}
	if ev := sr.waitClosed(t); ev.reason != rpc.ReasonStreamClosed {
		t.Errorf("server closed with %v/%v, want StreamClosed", ev.reason, ev.err)
	}
}
