package api

import (
    "testing"
    "time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    tid := "t1"
    ch := b.Subscribe(tid)

    evt := DispatchEvent{Type: "test.event", Data: map[string]any{"x": 1}}
    b.Publish(tid, evt)

    select {
    case got := <-ch:
        if got.Type != evt.Type {
            t.Fatalf("got type %s, want %s", got.Type, evt.Type)
        }
        if got.Data["x"].(int) != 1 {
            t.Fatalf("bad payload: %+v", got.Data)
        }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(tid, ch)
    select {
    case _, ok := <-ch:
        if ok {
            t.Fatal("channel should be closed after unsubscribe")
        }
    case <-time.After(50 * time.Millisecond):
        // acceptable if already drained and closed
    }
}

func TestBrokerIsolatesTenants(t *testing.T) {
    b := NewBroker()
    chA := b.Subscribe("tenant-a")
    chB := b.Subscribe("tenant-b")
    defer b.Unsubscribe("tenant-a", chA)
    defer b.Unsubscribe("tenant-b", chB)

    b.Publish("tenant-a", DispatchEvent{Type: "only.a"})

    select {
    case <-chA:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("tenant-a never received its event")
    }
    select {
    case got := <-chB:
        t.Fatalf("tenant-b received foreign event: %+v", got)
    case <-time.After(50 * time.Millisecond):
    }
}
