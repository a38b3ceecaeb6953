package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/pump"
)

// responder plays the remote service: it answers every request on
// RequestTopic(service) using fn. Returning replies == nil sends nothing.
func responder(t *testing.T, c *FakeClient, service string, fn func(req rpcRequest) []rpcReply) {
	t.Helper()
	c.OnPublish(func(m Message) {
		if m.Topic != RequestTopic(service) {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			t.Errorf("invalid request JSON: %v", err)
			return
		}
		for _, rep := range fn(req) {
			data, _ := json.Marshal(rep)
			c.Deliver(ReplyTopic(service), data)
		}
	})
}

func newTestRPC(t *testing.T, c *FakeClient, timeout time.Duration) *RPC {
	t.Helper()
	r, err := NewRPC(c, "pump", timeout, logr.Discard())
	if err != nil {
		t.Fatalf("NewRPC: %v", err)
	}
	return r
}

func TestRPCSubscribesToReplies(t *testing.T) {
	c := NewFakeClient()
	newTestRPC(t, c, time.Second)

	if !c.Subscribed("aps/rpc/pump/reply") {
		t.Error("reply topic not subscribed")
	}
}

func TestRPCCall(t *testing.T) {
	c := NewFakeClient()
	r := newTestRPC(t, c, time.Second)
	responder(t, c, "pump", func(req rpcRequest) []rpcReply {
		if req.Method != "bolus" {
			t.Errorf("method: got %q, want bolus", req.Method)
		}
		if string(req.Params) != `{"units":1.5}` {
			t.Errorf("params: got %s", req.Params)
		}
		return []rpcReply{{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}}
	})

	var result struct{ OK bool }
	if err := r.Call(context.Background(), "bolus", map[string]float64{"units": 1.5}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !result.OK {
		t.Error("result not decoded")
	}
	if n := r.Pending(); n != 0 {
		t.Errorf("pending after call: got %d, want 0", n)
	}
}

func TestRPCRemoteError(t *testing.T) {
	c := NewFakeClient()
	r := newTestRPC(t, c, time.Second)
	responder(t, c, "pump", func(req rpcRequest) []rpcReply {
		return []rpcReply{{ID: req.ID, Error: "occlusion"}}
	})

	err := r.Call(context.Background(), "bolus", nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remote.Msg != "occlusion" || remote.Method != "bolus" {
		t.Errorf("unexpected remote error: %+v", remote)
	}
}

func TestRPCDuplicateReplyIgnored(t *testing.T) {
	c := NewFakeClient()
	r := newTestRPC(t, c, time.Second)
	responder(t, c, "pump", func(req rpcRequest) []rpcReply {
		return []rpcReply{
			{ID: req.ID, Result: json.RawMessage(`1`)},
			{ID: req.ID, Result: json.RawMessage(`2`)},
		}
	})

	var got int
	if err := r.Call(context.Background(), "status", nil, &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 1 {
		t.Errorf("result: got %d, want first reply 1", got)
	}
}

func TestRPCTimeoutAndLateReply(t *testing.T) {
	c := NewFakeClient()
	r := newTestRPC(t, c, 20*time.Millisecond)
	var lastID string
	responder(t, c, "pump", func(req rpcRequest) []rpcReply {
		lastID = req.ID
		return nil
	})

	err := r.Call(context.Background(), "status", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if n := r.Pending(); n != 0 {
		t.Errorf("pending after timeout: got %d, want 0", n)
	}

	// A reply after the timeout is dropped without effect.
	data, _ := json.Marshal(rpcReply{ID: lastID, Result: json.RawMessage(`{}`)})
	if n := c.Deliver(ReplyTopic("pump"), data); n != 1 {
		t.Errorf("deliver: got %d handlers, want 1", n)
	}
	if n := r.Pending(); n != 0 {
		t.Errorf("pending after late reply: got %d, want 0", n)
	}
}

func TestRPCContextCancelled(t *testing.T) {
	c := NewFakeClient()
	r := newTestRPC(t, c, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	responder(t, c, "pump", func(rpcRequest) []rpcReply {
		cancel()
		return nil
	})

	if err := r.Call(ctx, "status", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestRPCPublishError(t *testing.T) {
	c := NewFakeClient()
	c.PublishError = errors.New("not connected")
	r := newTestRPC(t, c, time.Second)

	if err := r.Call(context.Background(), "status", nil, nil); err == nil {
		t.Error("expected error when publish fails")
	}
	if n := r.Pending(); n != 0 {
		t.Errorf("pending: got %d, want 0", n)
	}
}

func TestRPCMalformedReplyIgnored(t *testing.T) {
	c := NewFakeClient()
	newTestRPC(t, c, time.Second)

	// Must not panic.
	c.Deliver(ReplyTopic("pump"), []byte("not json"))
}

func TestRPCDrivesPumpBridge(t *testing.T) {
	c := NewFakeClient()
	r := newTestRPC(t, c, time.Second)
	end := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	responder(t, c, "pump", func(req rpcRequest) []rpcReply {
		switch req.Method {
		case pump.CmdStatus:
			return []rpcReply{{ID: req.ID, Result: json.RawMessage(
				`{"deliveryType":"temp","reservoir":42.5,"activeTemp":{"rate":0.8,"end":"2026-03-01T12:30:00Z"}}`)}}
		case pump.CmdTempBasal:
			if string(req.Params) != `{"rate":1.1,"duration":30}` {
				t.Errorf("temp basal params: got %s", req.Params)
			}
			return []rpcReply{{ID: req.ID}}
		}
		return []rpcReply{{ID: req.ID, Error: "unsupported"}}
	})
	bridge := pump.NewBridge(r, pump.DefaultSteps())
	ctx := context.Background()

	s, err := bridge.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if s.DeliveryType != pump.DeliveryTemp || s.Reservoir != 42.5 {
		t.Errorf("status: got %+v", s)
	}
	if s.ActiveTemp == nil || !s.ActiveTemp.End.Equal(end) {
		t.Errorf("active temp: got %+v", s.ActiveTemp)
	}

	if err := bridge.SetTempBasal(ctx, 1.1, 30); err != nil {
		t.Errorf("SetTempBasal: %v", err)
	}
	if err := bridge.Suspend(ctx); err == nil {
		t.Error("Suspend: expected remote error")
	}
}
