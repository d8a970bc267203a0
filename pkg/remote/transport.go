// Package remote performs signed calls to the endpoints other instances
// publish in their identity document, and maps their answers to faults.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/observability"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxResponseSize caps the body read from a remote instance.
const MaxResponseSize = 1 << 20

// InstanceStore resolves destinations to their stored identity.
type InstanceStore interface {
	GetInstance(ctx context.Context, instance string) (*signatory.RemoteInstance, error)
}

// SignedClient signs and sends requests.
type SignedClient interface {
	Do(ctx context.Context, req *http.Request, body []byte, limit int64) (*http.Response, []byte, error)
}

// Options configures a Transport.
type Options struct {
	Store            InstanceStore
	Client           SignedClient
	Timeout          time.Duration
	Allowed          func(instance string) bool
	Metrics          *observability.Provider
	BreakerThreshold int
	BreakerReset     time.Duration
	Now              func() time.Time
}

// Transport performs signed calls to remote instances. It never retries;
// retry policy belongs to the delivery queue.
type Transport struct {
	store    InstanceStore
	client   SignedClient
	timeout  time.Duration
	allowed  func(string) bool
	metrics  *observability.Provider
	breakers *breakers
	logger   zerolog.Logger
}

// New creates a Transport.
func New(opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Allowed == nil {
		opts.Allowed = func(string) bool { return true }
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transport{
		store:   opts.Store,
		client:  opts.Client,
		timeout: opts.Timeout,
		allowed: opts.Allowed,
		metrics: opts.Metrics,
		breakers: &breakers{
			byTarget:  make(map[string]*circuitBreaker),
			threshold: opts.BreakerThreshold,
			reset:     opts.BreakerReset,
			now:       opts.Now,
		},
		logger: log.With().Str("component", "remote").Logger(),
	}
}

// Call sends body to the endpoint endpointKey of instance. A nil body sends
// no payload; []byte and json.RawMessage are sent as is, anything else is
// JSON encoded.
func (t *Transport) Call(ctx context.Context, instance, endpointKey, method string, body any, params map[string]string) (json.RawMessage, error) {
	if !t.allowed(instance) {
		return nil, fault.New(fault.ClassPolicy, "outbound federation to %s is disabled", instance)
	}

	remote, err := t.store.GetInstance(ctx, instance)
	if err != nil {
		if fault.IsClass(err, fault.ClassNotFound) {
			return nil, fault.New(fault.ClassRemoteEndpointUnknown, "%s was never discovered", instance)
		}
		return nil, err
	}
	template, ok := remote.Document.Endpoint(endpointKey)
	if !ok {
		return nil, fault.New(fault.ClassRemoteEndpointUnknown, "%s publishes no %q endpoint", instance, endpointKey)
	}
	target, err := Expand(template, params)
	if err != nil {
		return nil, err
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	cb := t.breakers.get(remote.Instance)
	if !cb.Allow() {
		return nil, fault.New(fault.ClassRemoteUnreachable, "circuit open for %s", remote.Instance)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.New(fault.ClassInvalidParameters, "bad endpoint %s: %v", target, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, data, err := t.client.Do(ctx, req, payload, MaxResponseSize)
	t.metrics.RemoteCall(ctx, remote.Instance, endpointKey, time.Since(start), err)
	if err != nil {
		cb.Failure()
		t.logger.Debug().Err(err).Str("instance", remote.Instance).Str("endpoint", endpointKey).Msg("remote call failed")
		return nil, fault.Transport(err, "%s %s", method, target)
	}

	return t.mapResponse(cb, remote.Instance, resp.StatusCode, data)
}

func (t *Transport) mapResponse(cb *circuitBreaker, instance string, status int, data []byte) (json.RawMessage, error) {
	if status >= 500 {
		cb.Failure()
	} else {
		cb.Success()
	}

	if status >= 200 && status < 300 {
		if len(bytes.TrimSpace(data)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(data) {
			return nil, fault.New(fault.ClassRemoteResponse, "%s answered %d with a non JSON body", instance, status)
		}
		return json.RawMessage(data), nil
	}

	var body fault.Body
	if err := json.Unmarshal(data, &body); err == nil && (body.Class != "" || body.Message != "") {
		return nil, fault.FromBody(status, body)
	}
	f := fault.New(fault.ClassRemoteResponse, "%s answered %d", instance, status)
	f.Status = status
	return nil, f
}

// Expand substitutes {name} placeholders of template with escaped params.
func Expand(template string, params map[string]string) (string, error) {
	out := template
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", url.PathEscape(v))
	}
	if i := strings.Index(out, "{"); i >= 0 {
		j := strings.Index(out[i:], "}")
		name := out[i:]
		if j > 0 {
			name = out[i+1 : i+j]
		}
		return "", fault.New(fault.ClassInvalidParameters, "missing path parameter %q", name)
	}
	return out, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		return data, nil
	}
}

// BroadcastEvent delivers the wrapper's event to the incoming endpoint of
// its destination and returns the destination's result.
func (t *Transport) BroadcastEvent(ctx context.Context, w *event.Wrapper) (map[string]any, error) {
	ev := w.Event.Clone()
	ev.WrapperToken = w.Token
	payload, err := ev.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	raw, err := t.Call(ctx, w.Instance, signatory.EndpointIncoming, http.MethodPost, payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

// ForwardEvent sends an event to the instance owning its circle and returns
// the outcome computed there.
func (t *Transport) ForwardEvent(ctx context.Context, ev *event.FederatedEvent) (map[string]any, error) {
	if !ev.HasCircle() {
		return nil, fault.New(fault.ClassInvalidParameters, "event %s has no circle to forward to", ev.Class)
	}
	payload, err := ev.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	raw, err := t.Call(ctx, ev.Circle.Instance, signatory.EndpointEvent, http.MethodPost, payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fault.New(fault.ClassRemoteResponse, "expected a JSON object: %v", err)
	}
	return out, nil
}
