package api

import (
    "sync"
)

// DispatchEvent is one scheduling event fanned out to live dispatch streams.
type DispatchEvent struct {
    Type string
    Data map[string]any
}

type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan DispatchEvent]struct{} // tenantId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan DispatchEvent]struct{}{}}
}

func (b *Broker) Subscribe(tenantID string) chan DispatchEvent {
    ch := make(chan DispatchEvent, 8)
    b.mu.Lock()
    if b.subs[tenantID] == nil {
        b.subs[tenantID] = map[chan DispatchEvent]struct{}{}
    }
    b.subs[tenantID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(tenantID string, ch chan DispatchEvent) {
    b.mu.Lock()
    if m := b.subs[tenantID]; m != nil {
        delete(m, ch)
        if len(m) == 0 {
            delete(b.subs, tenantID)
        }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Publish(tenantID string, evt DispatchEvent) {
    b.mu.Lock()
    m := b.subs[tenantID]
    for ch := range m {
        select {
        case ch <- evt:
        default:
        }
    }
    b.mu.Unlock()
}
