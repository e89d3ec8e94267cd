package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
)

const defaultRemoteTimeout = 60 * time.Second

// Remote forwards invocations to an external executor over HTTP. A circuit
// breaker per endpoint turns a flapping executor into fast Transient failures
// instead of piling up blocked workers.
type Remote struct {
	client  *http.Client
	timeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRemote() *Remote {
	return &Remote{
		client:   &http.Client{},
		timeout:  defaultRemoteTimeout,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// SetDefaultTimeout overrides the fallback timeout used when a component's
// remote config declares none.
func (r *Remote) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

func (r *Remote) Kind() component.RunnerKind { return component.RunnerRemote }

// remoteRequest is the wire form sent to the executor.
type remoteRequest struct {
	RunID       string         `json:"runId"`
	NodeID      string         `json:"nodeId"`
	ComponentID string         `json:"componentId"`
	Attempt     int            `json:"attempt"`
	Inputs      map[string]any `json:"inputs"`
	Params      map[string]any `json:"params"`
}

type remoteResponse struct {
	Outputs map[string]any `json:"outputs"`
	Error   string         `json:"error,omitempty"`
}

func (r *Remote) Invoke(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error) {
	cfg := inv.Def.Remote
	if cfg == nil {
		return nil, fault.New(fault.KindConfiguration, "component %s has no remote config", inv.Def.ID)
	}
	timeout := r.timeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.breaker(cfg.Endpoint).Execute(func() (any, error) {
		return r.post(ctx, cfg.Endpoint, inv)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fault.New(fault.KindTransient, "executor %s circuit open", cfg.Endpoint)
		}
		return nil, err
	}
	return result.(map[string]any), nil
}

func (r *Remote) post(ctx context.Context, endpoint string, inv *Invocation) (map[string]any, error) {
	body, err := json.Marshal(remoteRequest{
		RunID:       inv.RunID,
		NodeID:      inv.NodeID,
		ComponentID: inv.Def.ID,
		Attempt:     inv.Attempt,
		Inputs:      inv.Inputs,
		Params:      inv.Params,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.KindTimedOut, "executor %s timed out", endpoint)
		}
		if ctx.Err() == context.Canceled {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		f := fault.FromHTTPStatus(resp.StatusCode, string(raw))
		if f.Kind == fault.KindRateLimited {
			f.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, f
	}

	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fault.New(fault.KindContainer, "executor returned malformed response: %v", err)
	}
	if decoded.Error != "" {
		return nil, fault.New(fault.KindContainer, "%s", decoded.Error)
	}
	if decoded.Outputs == nil {
		decoded.Outputs = map[string]any{}
	}
	return decoded.Outputs, nil
}

// parseRetryAfter understands the delta-seconds form; HTTP-date is rare from
// executors and falls back to zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (r *Remote) breaker(endpoint string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only transport-level trouble should trip the breaker; a
			// component's own validation failure says nothing about the
			// executor's health.
			switch fault.KindOf(err) {
			case "", fault.KindValidation, fault.KindConfiguration, fault.KindAuthentication, fault.KindContainer:
				return true
			}
			return false
		},
	})
	r.breakers[endpoint] = b
	return b
}
