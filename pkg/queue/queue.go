// Package queue persists one delivery wrapper per destination of a
// broadcast, executes them out of band, retries failures on tiered sweeps
// and hands the aggregated results back to the originating handler once.
package queue

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/nextcloud/circles-sub000/pkg/observability"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the wrapper persistence used by the queue.
type Store interface {
	InstancesWithMembers(ctx context.Context, circleID string, direct bool) ([]string, error)
	CreateWrappers(ctx context.Context, token string, wrappers []*event.Wrapper) error
	GetWrapper(ctx context.Context, token, instance string) (*event.Wrapper, error)
	WrappersByToken(ctx context.Context, token string) ([]*event.Wrapper, error)
	FailedInBand(ctx context.Context, minRetry, maxRetry int) ([]*event.Wrapper, error)
	StaleInit(ctx context.Context, before time.Time) ([]*event.Wrapper, error)
	UpdateWrapper(ctx context.Context, w *event.Wrapper) error
	Rearm(ctx context.Context, token, instance string) (bool, error)
	ClaimAggregation(ctx context.Context, token string) (bool, error)
	CloseToken(ctx context.Context, token string) error
	PendingTokens(ctx context.Context) ([]string, error)
	CleanupWrappers(ctx context.Context, before time.Time) (int64, error)
}

// Transport delivers a wrapper to its remote destination.
type Transport interface {
	BroadcastEvent(ctx context.Context, w *event.Wrapper) (map[string]any, error)
}

// LocalExecutor runs the handler of an event in-process for the loopback wrapper.
type LocalExecutor interface {
	ManageLocal(ctx context.Context, ev *event.FederatedEvent) (map[string]any, error)
}

// ResultHandler receives the per-instance wrappers of a completed broadcast.
type ResultHandler interface {
	Result(ctx context.Context, ev *event.FederatedEvent, results map[string]*event.Wrapper) error
}

// Options configures a Service.
type Options struct {
	Store     Store
	Transport Transport
	Pool      *Pool
	Metrics   *observability.Provider

	LocalInstance string
	IsLocal       func(instance string) bool
	StaleAge      time.Duration
	Now           func() time.Time
}

// Service is the delivery queue.
type Service struct {
	store     Store
	transport Transport
	pool      *Pool
	metrics   *observability.Provider

	localInstance string
	isLocal       func(string) bool
	staleAge      time.Duration
	now           func() time.Time

	executor LocalExecutor
	results  ResultHandler

	logger zerolog.Logger
}

// New creates a Service. The local executor and result handler are bound
// later with SetExecutor since they are implemented by the dispatcher.
func New(opts Options) *Service {
	s := &Service{
		store:         opts.Store,
		transport:     opts.Transport,
		pool:          opts.Pool,
		metrics:       opts.Metrics,
		localInstance: strings.ToLower(opts.LocalInstance),
		isLocal:       opts.IsLocal,
		staleAge:      opts.StaleAge,
		now:           opts.Now,
		logger:        log.With().Str("component", "queue").Logger(),
	}
	if s.isLocal == nil {
		s.isLocal = func(instance string) bool { return strings.EqualFold(instance, s.localInstance) }
	}
	if s.staleAge <= 0 {
		s.staleAge = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetExecutor binds the in-process executor and the result callback.
func (s *Service) SetExecutor(executor LocalExecutor, results ResultHandler) {
	s.executor = executor
	s.results = results
}

// Broadcast creates one INIT wrapper per remote instance with a stake in
// the event's circle, plus a loopback wrapper for async events, then kicks
// off their execution. It reports whether any wrapper was created.
func (s *Service) Broadcast(ctx context.Context, ev *event.FederatedEvent) (bool, error) {
	if !ev.HasCircle() {
		return false, nil
	}

	var instances []string
	if !ev.Circle.IsConfig(model.ConfigLocal) {
		var err error
		if instances, err = s.destinations(ctx, ev); err != nil {
			return false, err
		}
	}
	if ev.Async {
		instances = append(instances, s.localInstance)
	}
	if len(instances) == 0 {
		return false, nil
	}

	token := uuid.NewString()
	ev.WrapperToken = token

	wrappers := make([]*event.Wrapper, 0, len(instances))
	for _, instance := range instances {
		iface := event.InterfaceFrontal
		if s.isLocal(instance) {
			iface = event.InterfaceInternal
		}
		wrappers = append(wrappers, &event.Wrapper{
			Token:     token,
			Instance:  instance,
			Interface: iface,
			Status:    event.StatusInit,
			Severity:  ev.Severity,
			Creation:  s.now().UTC(),
			Event:     ev,
		})
	}
	if err := s.store.CreateWrappers(ctx, token, wrappers); err != nil {
		return false, errors.Wrap(err, "create wrappers")
	}

	s.logger.Debug().
		Str("token", token).
		Str("class", ev.Class).
		Strs("instances", instances).
		Msg("broadcast queued")

	s.kickOff(token)
	return true, nil
}

// destinations lists the remote instances a broadcast goes to.
func (s *Service) destinations(ctx context.Context, ev *event.FederatedEvent) ([]string, error) {
	found, err := s.store.InstancesWithMembers(ctx, ev.Circle.SingleID, ev.LimitedToInstanceWithMember)
	if err != nil {
		return nil, errors.Wrap(err, "instances with members")
	}
	if ev.HasMember() {
		found = append(found, ev.Member.Instance)
	}

	seen := map[string]bool{}
	var out []string
	for _, instance := range found {
		instance = strings.ToLower(strings.TrimSpace(instance))
		if instance == "" || seen[instance] || s.isLocal(instance) {
			continue
		}
		seen[instance] = true
		out = append(out, instance)
	}
	sort.Strings(out)
	return out, nil
}

// kickOff hands the token to the worker pool. A refused kick-off is only
// logged: the rows are picked up by the next sweep.
func (s *Service) kickOff(token string) {
	if s.pool == nil {
		s.logger.Debug().Str("token", token).Msg("no worker pool, left to the retry sweep")
		return
	}
	err := s.pool.Submit("token:"+token, func(ctx context.Context) {
		if err := s.RunToken(ctx, token); err != nil {
			s.logger.Error().Err(err).Str("token", token).Msg("token execution failed")
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("token", token).Msg("kick-off refused")
	}
}

// RunToken executes every INIT wrapper of the token then tries to confirm it.
func (s *Service) RunToken(ctx context.Context, token string) error {
	wrappers, err := s.store.WrappersByToken(ctx, token)
	if err != nil {
		return err
	}
	var result error
	for _, w := range wrappers {
		if w.Status != event.StatusInit {
			continue
		}
		if _, err := s.ExecuteWrapper(ctx, w); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.ConfirmToken(ctx, token, false); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// ExecuteWrapper delivers one wrapper. It does nothing unless the stored
// row is INIT. Delivery failures are recorded in the row, not returned;
// the error only reports a persistence or configuration problem.
func (s *Service) ExecuteWrapper(ctx context.Context, w *event.Wrapper) (event.Status, error) {
	current, err := s.store.GetWrapper(ctx, w.Token, w.Instance)
	if err != nil {
		return w.Status, err
	}
	if current.Status != event.StatusInit {
		return current.Status, nil
	}
	if s.isLocal(current.Instance) && s.executor == nil {
		return current.Status, fault.New(fault.ClassInvalidHandler, "no local executor bound")
	}

	done := s.metrics.TrackDelivery(ctx, current.Instance)
	result, err := s.deliver(ctx, current)
	done()

	if err == nil {
		current.Status = event.StatusDone
		current.Result = result
		s.metrics.WrapperDone(ctx, current.Instance)
	} else {
		f := fault.From(err)
		current.Retry++
		current.Result = map[string]any{"fault": f.Body()}
		if current.Severity == event.SeverityHigh {
			current.Status = event.StatusFailed
			s.metrics.WrapperFailed(ctx, current.Instance, f.Class)
			s.logger.Info().
				Str("token", current.Token).
				Str("instance", current.Instance).
				Int("retry", current.Retry).
				Str("class", f.Class).
				Msg("delivery failed, kept for retry")
		} else {
			current.Status = event.StatusOver
			s.metrics.WrapperDemoted(ctx, current.Instance, f.Class)
			s.logger.Warn().
				Str("token", current.Token).
				Str("instance", current.Instance).
				Str("class", f.Class).
				Str("message", f.Message).
				Msg("best-effort delivery dropped")
		}
	}

	if err := s.store.UpdateWrapper(ctx, current); err != nil {
		return current.Status, err
	}
	w.Status, w.Retry, w.Result = current.Status, current.Retry, current.Result
	return current.Status, nil
}

func (s *Service) deliver(ctx context.Context, w *event.Wrapper) (map[string]any, error) {
	if s.isLocal(w.Instance) {
		ev := w.Event
		ev.WrapperToken = w.Token
		return s.executor.ManageLocal(ctx, ev)
	}
	if s.transport == nil {
		return nil, fault.New(fault.ClassRemoteUnreachable, "no transport configured")
	}
	return s.transport.BroadcastEvent(ctx, w)
}

// ConfirmToken aggregates the results of a token once none of its wrappers
// is INIT or FAILED. With refresh, FAILED and stale INIT wrappers are re-armed
// and executed first.
func (s *Service) ConfirmToken(ctx context.Context, token string, refresh bool) error {
	wrappers, err := s.store.WrappersByToken(ctx, token)
	if err != nil {
		return err
	}

	if refresh {
		var result error
		stale := s.now().Add(-s.staleAge)
		for _, w := range wrappers {
			if w.Status == event.StatusFailed || (w.Status == event.StatusInit && w.Creation.Before(stale)) {
				if err := s.rearmAndExecute(ctx, w); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		if result != nil {
			return result
		}
		if wrappers, err = s.store.WrappersByToken(ctx, token); err != nil {
			return err
		}
	}

	if len(wrappers) == 0 {
		return nil
	}
	results := make(map[string]*event.Wrapper, len(wrappers))
	for _, w := range wrappers {
		if w.Status == event.StatusInit || w.Status == event.StatusFailed {
			return nil
		}
		results[w.Instance] = w
	}

	claimed, err := s.store.ClaimAggregation(ctx, token)
	if err != nil || !claimed {
		return err
	}

	var result error
	if s.results != nil {
		ev := wrappers[0].Event
		ev.WrapperToken = token
		if err := s.results.Result(ctx, ev, results); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "result callback for %s", token))
		}
	}
	if err := s.store.CloseToken(ctx, token); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (s *Service) rearmAndExecute(ctx context.Context, w *event.Wrapper) error {
	ok, err := s.store.Rearm(ctx, w.Token, w.Instance)
	if err != nil || !ok {
		return err
	}
	w.Status = event.StatusInit
	_, err = s.ExecuteWrapper(ctx, w)
	return err
}

// Retry sweeps one tier: FAILED wrappers whose retry count is in the tier's
// band are re-armed and executed. The asap sweep also re-arms stale INIT
// wrappers and confirms tokens left unaggregated.
func (s *Service) Retry(ctx context.Context, tier event.Tier) error {
	minRetry, maxRetry, err := tier.Range()
	if err != nil {
		return fault.New(fault.ClassInvalidParameters, "%s", err.Error())
	}

	var result error
	tokens := map[string]struct{}{}

	if tier == event.TierASAP {
		stale, err := s.store.StaleInit(ctx, s.now().Add(-s.staleAge))
		if err != nil {
			return err
		}
		for _, w := range stale {
			tokens[w.Token] = struct{}{}
			if err := s.rearmAndExecute(ctx, w); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	failed, err := s.store.FailedInBand(ctx, minRetry, maxRetry)
	if err != nil {
		return multierror.Append(result, err)
	}
	for _, w := range failed {
		tokens[w.Token] = struct{}{}
		if err := s.rearmAndExecute(ctx, w); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if tier == event.TierASAP {
		pending, err := s.store.PendingTokens(ctx)
		if err != nil {
			result = multierror.Append(result, err)
		}
		for _, token := range pending {
			tokens[token] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(tokens))
	for token := range tokens {
		ordered = append(ordered, token)
	}
	sort.Strings(ordered)
	for _, token := range ordered {
		if err := s.ConfirmToken(ctx, token, false); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.logger.Info().
		Str("tier", string(tier)).
		Int("retried", len(failed)).
		Int("tokens", len(ordered)).
		Msg("retry sweep done")
	return result
}

// Cleanup removes OVER and permanently failed wrappers older than olderThan.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.store.CleanupWrappers(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("wrappers cleaned up")
	return n, nil
}
