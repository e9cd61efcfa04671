package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func TestMessageBus_Broadcast(t *testing.T) {
	mb := New()
	var got atomic.Int32
	mb.Subscribe("a", func(e Event) { got.Add(1) })
	mb.Subscribe("b", func(e Event) { panic("bad subscriber") })
	mb.Subscribe("c", func(e Event) { got.Add(1) })

	mb.Broadcast(Event{Name: protocol.EventAgent})
	if got.Load() != 2 {
		t.Errorf("delivered = %d, want 2", got.Load())
	}

	mb.Unsubscribe("a")
	if mb.SubscriberCount() != 2 {
		t.Errorf("subscribers = %d, want 2", mb.SubscriberCount())
	}
}

func TestMessageBus_Inbound(t *testing.T) {
	mb := New()
	ctx := context.Background()
	env := protocol.InboundEnvelope{Kind: protocol.InboundChat, Chat: &protocol.ChatTurn{AgentID: "a", Message: "hi"}}
	if err := mb.PublishInbound(ctx, env); err != nil {
		t.Fatalf("PublishInbound: %v", err)
	}
	got, ok := mb.ConsumeInbound(ctx)
	if !ok || got.Chat.Message != "hi" {
		t.Errorf("got %+v, %v", got, ok)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(cctx); ok {
		t.Error("expected timeout")
	}

	mb.Close()
	mb.Close()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("expected closed bus")
	}
}

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
	}{
		{`{"kind":"task","task":{"taskId":"t1","agentId":"a","title":"x"}}`, false},
		{`{"kind":"chat","chat":{"agentId":"a","message":"hi"}}`, false},
		{`{"kind":"task","task":{"agentId":"a"}}`, true},
		{`{"kind":"chat","chat":{"agentId":"a"}}`, true},
		{`{"kind":"other"}`, true},
		{`not json`, true},
	}
	for _, tc := range cases {
		_, err := DecodeInbound([]byte(tc.raw))
		if (err != nil) != tc.wantErr {
			t.Errorf("DecodeInbound(%s) err = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
	}
}

func TestHandleRaw_DedupesTasks(t *testing.T) {
	d := NewDedupeCache(time.Minute, 10)
	var n int
	h := func(protocol.InboundEnvelope) { n++ }
	raw := []byte(`{"kind":"task","task":{"taskId":"t1","agentId":"a"}}`)
	handleRaw(d, raw, h)
	handleRaw(d, raw, h)
	handleRaw(d, []byte(`{"kind":"task","task":{"taskId":"t1","agentId":"b"}}`), h)
	if n != 2 {
		t.Errorf("handled = %d, want 2", n)
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(30*time.Millisecond, 100)
	if d.IsDuplicate("k") {
		t.Error("first sighting is not a duplicate")
	}
	if !d.IsDuplicate("k") {
		t.Error("second sighting is a duplicate")
	}
	time.Sleep(60 * time.Millisecond)
	if d.IsDuplicate("k") {
		t.Error("expired key should not be a duplicate")
	}
}

func TestDedupeCache_EvictsOldestPastSize(t *testing.T) {
	d := NewDedupeCache(time.Minute, 2)
	for _, k := range []string{"a", "b", "c"} {
		d.IsDuplicate(k)
	}
	if d.IsDuplicate("a") {
		t.Error("a should have been evicted")
	}
	if !d.IsDuplicate("c") {
		t.Error("c should still be tracked")
	}
}
