package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore map[string]*signatory.RemoteInstance

func (s stubStore) GetInstance(_ context.Context, instance string) (*signatory.RemoteInstance, error) {
	if r, ok := s[instance]; ok {
		return r, nil
	}
	return nil, fault.New(fault.ClassNotFound, "unknown %s", instance)
}

func (s stubStore) GetInstanceByKeyID(_ context.Context, keyID string) (*signatory.RemoteInstance, error) {
	for _, r := range s {
		if r.ID == keyID {
			return r, nil
		}
	}
	return nil, fault.New(fault.ClassNotFound, "unknown %s", keyID)
}

func (s stubStore) SaveInstance(_ context.Context, r *signatory.RemoteInstance) error {
	s[r.Instance] = r
	return nil
}

func localSignatory(t *testing.T) *signatory.Signatory {
	t.Helper()
	key, err := signatory.GenerateKey(signatory.KeyIDFor("http", "local.example"))
	require.NoError(t, err)
	return signatory.New(signatory.Options{Instance: "local.example", Scheme: "http", Key: key, Store: stubStore{}})
}

// destination registers server as "dest.example" in a fresh store.
func destination(server *httptest.Server) stubStore {
	base := server.URL + "/circles/federation"
	return stubStore{
		"dest.example": {
			Instance: "dest.example",
			Type:     signatory.TypeTrusted,
			Document: &signatory.Document{
				Instance: "dest.example",
				Endpoints: map[string]string{
					signatory.EndpointEvent:    base + "/event",
					signatory.EndpointIncoming: base + "/incoming",
					signatory.EndpointMember:   base + "/circles/{circleId}/members/{memberId}",
				},
			},
		},
	}
}

func newTransport(t *testing.T, server *httptest.Server, opts Options) *Transport {
	t.Helper()
	opts.Store = destination(server)
	opts.Client = localSignatory(t)
	return New(opts)
}

func TestCall_SuccessAndTemplates(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		assert.NotEmpty(t, r.Header.Get("Signature"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tr := newTransport(t, server, Options{})
	raw, err := tr.Call(context.Background(), "dest.example", signatory.EndpointMember, http.MethodGet, nil,
		map[string]string{"circleId": "c 1", "memberId": "m/2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, "/circles/federation/circles/c%201/members/m%2F2", gotPath)
}

func TestCall_MissingParameter(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	tr := newTransport(t, server, Options{})
	_, err := tr.Call(context.Background(), "dest.example", signatory.EndpointMember, http.MethodGet, nil,
		map[string]string{"circleId": "c1"})
	assert.True(t, fault.IsClass(err, fault.ClassInvalidParameters))
}

func TestCall_FaultMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  string
		kind   fault.Kind
	}{
		{"registered class", http.StatusForbidden, `{"message":"not allowed","code":0,"class":"MemberLevelForbidden"}`, fault.ClassMemberLevelForbidden, fault.KindApplication},
		{"unknown class by status", http.StatusNotFound, `{"message":"gone","code":0,"class":"SomethingElse"}`, fault.ClassNotFound, fault.KindApplication},
		{"conflict code kept", http.StatusConflict, `{"message":"dup","code":121,"class":"MembershipConflict"}`, fault.ClassMembershipConflict, fault.KindConflict},
		{"non json error", http.StatusBadGateway, `<html>oops</html>`, fault.ClassRemoteResponse, fault.KindTransport},
		{"non json success", http.StatusOK, `not json`, fault.ClassRemoteResponse, fault.KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tr := newTransport(t, server, Options{})
			_, err := tr.Call(context.Background(), "dest.example", signatory.EndpointEvent, http.MethodPost, map[string]any{}, nil)
			f, ok := fault.As(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.class, f.Class)
			assert.Equal(t, tt.kind, f.Kind)
		})
	}

	code, ok := fault.ConflictCodeOf(fault.FromBody(409, fault.Body{Class: fault.ClassMembershipConflict, Code: 121}))
	assert.True(t, ok)
	assert.Equal(t, fault.ConflictDuplicateFromOtherInstance, code)
}

func TestCall_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	tr := newTransport(t, server, Options{Timeout: 50 * time.Millisecond})
	_, err := tr.Call(context.Background(), "dest.example", signatory.EndpointEvent, http.MethodPost, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.IsClass(err, fault.ClassRemoteUnreachable))
	f, _ := fault.As(err)
	assert.True(t, f.Retryable())
}

func TestCall_OversizedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"` + strings.Repeat("a", MaxResponseSize+10) + `"`))
	}))
	defer server.Close()

	tr := newTransport(t, server, Options{})
	_, err := tr.Call(context.Background(), "dest.example", signatory.EndpointEvent, http.MethodGet, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindTransport))
}

func TestCall_UnknownDestinationAndPolicy(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	tr := newTransport(t, server, Options{Allowed: func(i string) bool { return i != "blocked.example" }})
	_, err := tr.Call(context.Background(), "nowhere.example", signatory.EndpointEvent, http.MethodPost, nil, nil)
	assert.True(t, fault.IsClass(err, fault.ClassRemoteEndpointUnknown))

	_, err = tr.Call(context.Background(), "blocked.example", signatory.EndpointEvent, http.MethodPost, nil, nil)
	assert.True(t, fault.IsKind(err, fault.KindPolicy))

	_, err = tr.Call(context.Background(), "dest.example", signatory.EndpointTest, http.MethodPost, nil, nil)
	assert.True(t, fault.IsClass(err, fault.ClassRemoteEndpointUnknown))
}

func TestCall_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	now := time.Now()
	tr := newTransport(t, server, Options{BreakerThreshold: 2, BreakerReset: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := tr.Call(ctx, "dest.example", signatory.EndpointEvent, http.MethodPost, nil, nil)
		require.Error(t, err)
	}
	_, err := tr.Call(ctx, "dest.example", signatory.EndpointEvent, http.MethodPost, nil, nil)
	assert.True(t, fault.IsClass(err, fault.ClassRemoteUnreachable))
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not reach the destination")

	now = now.Add(2 * time.Minute)
	_, err = tr.Call(ctx, "dest.example", signatory.EndpointEvent, http.MethodPost, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load(), "half-open lets one trial request through")
}

func TestBroadcastEvent_EchoRoundTrip(t *testing.T) {
	local := localSignatory(t)

	// the destination verifies the signature before echoing the event back
	destKey, err := signatory.GenerateKey("dest-key")
	require.NoError(t, err)
	destStore := stubStore{"local.example": {
		Instance:  "local.example",
		ID:        local.Key().KeyID,
		Type:      signatory.TypeTrusted,
		PublicKey: local.Key().PublicKey(),
	}}
	dest := signatory.New(signatory.Options{Instance: "dest.example", Key: destKey, Store: destStore})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		caller, err := dest.Verify(r.Context(), r, body)
		if err != nil || !caller.IsTrusted() {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(fault.From(err).Body())
			return
		}
		ev, err := event.Unmarshal(body)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": ev, "sender": caller.Instance})
	}))
	defer server.Close()

	tr := New(Options{Store: destination(server), Client: local})

	ev := event.New("member.add", &model.Circle{SingleID: "c1", Name: "team", Instance: "local.example"})
	ev.Origin = "local.example"
	ev.Member = &model.Member{ID: "m1", CircleID: "c1", SingleID: "bob", Instance: "dest.example", Level: model.LevelMember}
	ev.Params["level"] = 4
	ev.SetInternal("secret", "never leaves")
	w := &event.Wrapper{Token: "tok-1", Instance: "dest.example", Event: ev}

	result, err := tr.BroadcastEvent(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "local.example", result["sender"])

	raw, err := json.Marshal(result["echo"])
	require.NoError(t, err)
	echoed, err := event.Unmarshal(raw)
	require.NoError(t, err)

	assert.Equal(t, ev.Class, echoed.Class)
	assert.Equal(t, "tok-1", echoed.WrapperToken)
	assert.True(t, ev.Circle.Same(echoed.Circle))
	assert.True(t, ev.Member.Same(echoed.Member))
	v, _ := echoed.ParamInt("level")
	assert.Equal(t, 4, v)
	assert.Nil(t, echoed.Internal)
}

func TestForwardEvent_RequiresCircle(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	tr := newTransport(t, server, Options{})
	_, err := tr.ForwardEvent(context.Background(), event.New("circle.test", nil))
	assert.True(t, fault.IsClass(err, fault.ClassInvalidParameters))
}

func TestForwardEvent_RelaysOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/circles/federation/event", r.URL.Path)
		_, _ = w.Write([]byte(`{"circle":{"id":"c1"},"population":3}`))
	}))
	defer server.Close()

	tr := newTransport(t, server, Options{})
	outcome, err := tr.ForwardEvent(context.Background(), event.New("circle.config", &model.Circle{SingleID: "c1", Instance: "dest.example"}))
	require.NoError(t, err)
	assert.Equal(t, float64(3), outcome["population"])
}
