package api

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

type EventBroker interface {
    Subscribe(tenantID string) chan DispatchEvent
    Unsubscribe(tenantID string, ch chan DispatchEvent)
    Publish(tenantID string, evt DispatchEvent)
}

// RedisBroker implements EventBroker over Redis Pub/Sub so dispatch streams
// fan out across API replicas.
type RedisBroker struct {
    rdb *redis.Client

    mu  sync.Mutex
    sub map[chan DispatchEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil {
        return nil, err
    }
    return &RedisBroker{rdb: redis.NewClient(opt), sub: map[chan DispatchEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(tenantID string) chan DispatchEvent {
    ch := make(chan DispatchEvent, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(tenantID))
    // initial consume to ensure subscription
    _, _ = ps.Receive(ctx)
    b.mu.Lock()
    b.sub[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var evt DispatchEvent
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
                select {
                case ch <- evt:
                default:
                }
            }
        }
    }()
    return ch
}

func (b *RedisBroker) Unsubscribe(tenantID string, ch chan DispatchEvent) {
    // closing the PubSub ends the reader goroutine, which closes ch
    b.mu.Lock()
    ps := b.sub[ch]
    delete(b.sub, ch)
    b.mu.Unlock()
    if ps != nil {
        _ = ps.Close()
    }
}

func (b *RedisBroker) Publish(tenantID string, evt DispatchEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, _ := json.Marshal(evt)
    _ = b.rdb.Publish(ctx, b.chanName(tenantID), data).Err()
}

func (b *RedisBroker) chanName(tenantID string) string { return "dispatch:" + tenantID }
