// Package main runs a demo WebSocket client for the dispatch stream.
package main

import (
    "bytes"
    "encoding/json"
    "fmt"
    "log"
    "net/http"
    "net/url"
    "os"
    "time"

    "github.com/gorilla/websocket"
)

func main() {
    port := os.Getenv("PORT")
    if port == "" {
        port = "8080"
    }
    base := fmt.Sprintf("http://localhost:%s", port)

    post := func(path string, body []byte) map[string]any {
        req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
        req.Header.Set("Content-Type", "application/json")
        req.Header.Set("X-Tenant-Id", "t_demo")
        resp, err := http.DefaultClient.Do(req)
        if err != nil {
            log.Fatal(err)
        }
        defer func() { _ = resp.Body.Close() }()
        var out map[string]any
        _ = json.NewDecoder(resp.Body).Decode(&out)
        fmt.Printf("POST %s -> %d %v\n", path, resp.StatusCode, out)
        return out
    }

    // Open the dispatch stream first so the scheduling event is observed.
    wsURL := url.URL{Scheme: "ws", Host: fmt.Sprintf("localhost:%s", port), Path: "/v1/dispatch/stream"}
    hdr := http.Header{}
    hdr.Set("X-Tenant-Id", "t_demo")
    conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), hdr)
    if err != nil {
        log.Fatalf("dial: %v", err)
    }
    defer func() { _ = conn.Close() }()

    go func() {
        for {
            var msg map[string]any
            if err := conn.ReadJSON(&msg); err != nil {
                return
            }
            fmt.Printf("event: %v\n", msg)
        }
    }()

    date := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
    post("/v1/regions", []byte(fmt.Sprintf(
        `{"region":{"name":"demo","radiusKm":30,"maxDeliveriesPerDay":5},"address":{"lat":50.85,"lng":4.35,"date":%q}}`, date)))
    order := post("/v1/orders", []byte(`{"items":[{"category":"boxspring","quantity":1}]}`))
    orderID, _ := order["id"].(string)
    post("/v1/deliveries", []byte(fmt.Sprintf(
        `{"orderId":%q,"date":%q,"location":{"lat":50.85,"lng":4.35}}`, orderID, date)))

    time.Sleep(2 * time.Second)
}
