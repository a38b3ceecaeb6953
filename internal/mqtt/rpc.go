package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
)

// DefaultRPCTimeout bounds a call when NewRPC is given zero.
const DefaultRPCTimeout = 30 * time.Second

// ErrTimeout is returned when no reply arrives in time.
var ErrTimeout = errors.New("rpc timeout")

// RemoteError is an error reported by the remote service.
type RemoteError struct {
	Service string
	Method  string
	Msg     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Service, e.Method, e.Msg)
}

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// pendingCall is resolved at most once; later replies with the same id
// are dropped.
type pendingCall struct {
	once sync.Once
	done chan rpcReply
}

func (p *pendingCall) resolve(r rpcReply) bool {
	resolved := false
	p.once.Do(func() {
		p.done <- r
		resolved = true
	})
	return resolved
}

// RPC makes request/reply calls to a remote service over the broker.
// Requests go to RequestTopic(service); replies are matched by id on
// ReplyTopic(service).
type RPC struct {
	client  Client
	service string
	timeout time.Duration
	logger  logr.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewRPC subscribes to the service's reply topic.
func NewRPC(client Client, service string, timeout time.Duration, logger logr.Logger) (*RPC, error) {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	r := &RPC{
		client:  client,
		service: service,
		timeout: timeout,
		logger:  logger.WithName("rpc").WithValues("service", service),
		pending: make(map[string]*pendingCall),
	}
	if err := client.Subscribe(ReplyTopic(service), 1, r.handleReply); err != nil {
		return nil, fmt.Errorf("subscribe %s replies: %w", service, err)
	}
	return r, nil
}

// Call sends method with params and decodes the reply into result.
// result may be nil when the reply carries nothing of interest.
func (r *RPC) Call(ctx context.Context, method string, params, result any) (err error) {
	defer func() { metrics.RecordRPC(r.service, method, err) }()

	req := rpcRequest{ID: uuid.NewString(), Method: method}
	if params != nil {
		if req.Params, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	call := &pendingCall{done: make(chan rpcReply, 1)}
	r.mu.Lock()
	r.pending[req.ID] = call
	r.mu.Unlock()
	defer r.forget(req.ID)

	r.logger.V(logging.TRACE).Info("Sending request", "method", method, "id", req.ID)
	if err := r.client.Publish(RequestTopic(r.service), 1, false, payload); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case rep := <-call.done:
		if rep.Error != "" {
			return &RemoteError{Service: r.service, Method: method, Msg: rep.Error}
		}
		if result != nil && len(rep.Result) > 0 {
			if err := json.Unmarshal(rep.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s.%s: %w", r.service, method, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RPC) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *RPC) handleReply(_ string, payload []byte) {
	var rep rpcReply
	if err := json.Unmarshal(payload, &rep); err != nil {
		r.logger.Error(err, "Discarding malformed reply")
		return
	}

	r.mu.Lock()
	call, ok := r.pending[rep.ID]
	r.mu.Unlock()
	if !ok {
		r.logger.V(logging.DEBUG).Info("Discarding late reply", "id", rep.ID)
		return
	}
	if !call.resolve(rep) {
		r.logger.V(logging.DEBUG).Info("Discarding duplicate reply", "id", rep.ID)
	}
}

// Pending returns the number of calls waiting for a reply.
func (r *RPC) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
