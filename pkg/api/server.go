package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/cache"
	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxBodySize caps inbound request bodies.
const MaxBodySize = 1 << 20

// MembershipsTTL bounds how long a cached memberships listing is served.
// Recomputation drops it earlier; the bound covers circles whose
// publication changes without touching the closure.
const MembershipsTTL = time.Minute

// Signer identifies callers and answers challenges for this instance.
type Signer interface {
	Verify(ctx context.Context, req *http.Request, body []byte) (*signatory.RemoteInstance, error)
	Document() *signatory.Document
	IssueChallengeResponse(nonce string) (string, error)
}

// Dispatcher runs events received from other instances.
type Dispatcher interface {
	Requested(ctx context.Context, ev *event.FederatedEvent, sender *signatory.RemoteInstance) (map[string]any, error)
	Incoming(ctx context.Context, ev *event.FederatedEvent, sender *signatory.RemoteInstance) (map[string]any, error)
}

// ReadStore serves the read endpoints.
type ReadStore interface {
	GetCircle(ctx context.Context, singleID string) (*model.Circle, error)
	ListCircles(ctx context.Context, instance string) ([]*model.Circle, error)
	ListMembers(ctx context.Context, circleID string) ([]*model.Member, error)
	GetMember(ctx context.Context, circleID, singleID string) (*model.Member, error)
	MembershipsOf(ctx context.Context, singleID string) ([]model.Membership, error)
	InheritedMembers(ctx context.Context, circleID string) ([]model.Membership, error)
}

// Options configures a Server.
type Options struct {
	Signer     Signer
	Dispatcher Dispatcher
	Store      ReadStore
	IsLocal    func(instance string) bool
	Limiter    Limiter
	RPS        int
	// Cache, when set, holds the memberships listings per subject.
	Cache cache.Cache
}

// Server routes inbound federation traffic.
type Server struct {
	signer     Signer
	dispatcher Dispatcher
	store      ReadStore
	isLocal    func(string) bool
	limiter    Limiter
	rps        int
	cache      cache.Cache
	logger     zerolog.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.IsLocal == nil {
		opts.IsLocal = func(instance string) bool { return instance == "" }
	}
	return &Server{
		signer:     opts.Signer,
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		isLocal:    opts.IsLocal,
		limiter:    opts.Limiter,
		rps:        opts.RPS,
		cache:      opts.Cache,
		logger:     log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed handler wrapped in the request id and rate
// limiting middleware.
func (s *Server) Handler() http.Handler {
	const base = "/circles/federation"

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+signatory.WellKnownPath, s.handleDocument)
	mux.HandleFunc("POST "+base+"/event", s.handleEvent)
	mux.HandleFunc("POST "+base+"/incoming", s.handleIncoming)
	mux.HandleFunc("POST "+base+"/test", s.handleTest)
	mux.HandleFunc("GET "+base+"/circles", s.handleCircles)
	mux.HandleFunc("GET "+base+"/circles/{circleId}", s.handleCircle)
	mux.HandleFunc("GET "+base+"/circles/{circleId}/members", s.handleMembers)
	mux.HandleFunc("GET "+base+"/circles/{circleId}/members/{memberId}", s.handleMember)
	mux.HandleFunc("GET "+base+"/circles/{circleId}/inherited", s.handleInherited)
	mux.HandleFunc("GET "+base+"/memberships/{singleId}", s.handleMemberships)

	var h http.Handler = mux
	if s.limiter != nil {
		h = RateLimit(s.limiter, s.rps)(h)
	}
	return RequestID(h)
}

func (s *Server) handleDocument(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.signer.Document())
}

// verified reads the body and identifies its signer. It writes the
// error response itself and returns ok=false when the caller is not
// identified.
func (s *Server) verified(w http.ResponseWriter, r *http.Request) ([]byte, *signatory.RemoteInstance, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		WriteBadRequest(w, "request body too large or unreadable")
		return nil, nil, false
	}
	sender, err := s.signer.Verify(r.Context(), r, body)
	if err != nil {
		claimed := ""
		if sender != nil {
			claimed = sender.Instance
		}
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Str("instance", claimed).Msg("rejected unverified request")
		WriteFault(w, r, err)
		return nil, nil, false
	}
	return body, sender, true
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, sender, ok := s.verified(w, r)
	if !ok {
		return
	}
	ev, err := event.Unmarshal(body)
	if err != nil {
		WriteBadRequest(w, "malformed event")
		return
	}
	outcome, err := s.dispatcher.Requested(r.Context(), ev, sender)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(outcome))
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	body, sender, ok := s.verified(w, r)
	if !ok {
		return
	}
	ev, err := event.Unmarshal(body)
	if err != nil {
		WriteBadRequest(w, "malformed event")
		return
	}
	result, err := s.dispatcher.Incoming(r.Context(), ev, sender)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(result))
}

// handleTest answers a challenge. It is not signature checked: the
// challenger verifies the answer against the key it discovered.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req signatory.ChallengeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed challenge")
		return
	}
	token, err := s.signer.IssueChallengeResponse(req.Nonce)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, signatory.ChallengeResponse{Token: token})
}

func (s *Server) handleCircles(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.verified(w, r); !ok {
		return
	}
	all, err := s.store.ListCircles(r.Context(), "")
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	circles := make([]*model.Circle, 0, len(all))
	for _, c := range all {
		if s.published(c) {
			circles = append(circles, c)
		}
	}
	WriteJSON(w, http.StatusOK, circles)
}

func (s *Server) handleCircle(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.verified(w, r); !ok {
		return
	}
	circle, err := s.publishedCircle(r.Context(), r.PathValue("circleId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, circle)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.verified(w, r); !ok {
		return
	}
	circle, err := s.publishedCircle(r.Context(), r.PathValue("circleId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	members, err := s.store.ListMembers(r.Context(), circle.SingleID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if members == nil {
		members = []*model.Member{}
	}
	WriteJSON(w, http.StatusOK, members)
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.verified(w, r); !ok {
		return
	}
	circle, err := s.publishedCircle(r.Context(), r.PathValue("circleId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	member, err := s.store.GetMember(r.Context(), circle.SingleID, r.PathValue("memberId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, member)
}

func (s *Server) handleInherited(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.verified(w, r); !ok {
		return
	}
	circle, err := s.publishedCircle(r.Context(), r.PathValue("circleId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	memberships, err := s.store.InheritedMembers(r.Context(), circle.SingleID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if memberships == nil {
		memberships = []model.Membership{}
	}
	WriteJSON(w, http.StatusOK, memberships)
}

// handleMemberships lists the memberships of a subject in circles owned by
// this instance.
func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.verified(w, r); !ok {
		return
	}
	singleID := r.PathValue("singleId")
	key := cache.SubjectKey(singleID, "memberships")
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(r.Context(), key); err != nil {
			s.logger.Warn().Err(err).Str("subject", singleID).Msg("memberships cache read failed")
		} else if ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, cached)
			return
		}
	}

	all, err := s.store.MembershipsOf(r.Context(), singleID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	memberships := make([]model.Membership, 0, len(all))
	for _, m := range all {
		if _, err := s.publishedCircle(r.Context(), m.CircleID); err == nil {
			memberships = append(memberships, m)
		}
	}
	if s.cache != nil {
		if body, err := json.Marshal(memberships); err == nil {
			if err := s.cache.Set(r.Context(), key, string(body)+"\n", MembershipsTTL); err != nil {
				s.logger.Warn().Err(err).Str("subject", singleID).Msg("memberships cache write failed")
			}
		}
	}
	WriteJSON(w, http.StatusOK, memberships)
}

// published reports whether c is owned here and may be shown to other
// instances.
func (s *Server) published(c *model.Circle) bool {
	return s.isLocal(c.Instance) && !c.IsConfig(model.ConfigLocal)
}

func (s *Server) publishedCircle(ctx context.Context, singleID string) (*model.Circle, error) {
	circle, err := s.store.GetCircle(ctx, singleID)
	if err != nil {
		return nil, err
	}
	if !s.published(circle) {
		return nil, fault.New(fault.ClassCircleNotFound, "circle %s", singleID)
	}
	return circle, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
