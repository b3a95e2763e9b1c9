package api

import (
    "net/http"
    "time"

    "github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// DispatchStreamHandler handles GET /v1/dispatch/stream: a WebSocket that
// pushes scheduling and run-status events for the caller's tenant as they
// happen.
func (s *Server) DispatchStreamHandler(w http.ResponseWriter, r *http.Request) {
    _, tenant := s.withTenant(r)
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = conn.Close() }()

    ch := s.Broker.Subscribe(tenant)
    defer s.Broker.Unsubscribe(tenant, ch)

    conn.SetReadLimit(1 << 16)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error {
        _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        return nil
    })

    // Drain the client side so close frames and pongs are processed.
    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            if _, _, err := conn.ReadMessage(); err != nil {
                return
            }
        }
    }()

    ping := time.NewTicker(20 * time.Second)
    defer ping.Stop()
    for {
        select {
        case <-done:
            return
        case <-ping.C:
            if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
                return
            }
        case evt, ok := <-ch:
            if !ok {
                return
            }
            if err := conn.WriteJSON(map[string]any{"type": evt.Type, "data": evt.Data}); err != nil {
                return
            }
        }
    }
}
