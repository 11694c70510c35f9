// Package observer polls the container runtime for the set of
// containers attached to one network and turns additions, removals and
// address changes into registry mutations tagged with this node's own
// PeerID.
package observer

import (
	"context"
	"time"

	"github.com/cuemby/gluedns/pkg/identity"
	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/metrics"
	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/runtime"
	"github.com/cuemby/gluedns/pkg/types"
)

// PollInterval is how often the observer re-lists attached containers.
const PollInterval = 5 * time.Second

// backoffSteps are the first retry delays after consecutive runtime
// failures: 1s, 2s, 4s, after which the delay keeps doubling up to the
// cap.
var backoffSteps = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// backoffCap bounds how long the observer waits between retries once the
// runtime has been failing for a while.
const backoffCap = 30 * time.Second

var logger = log.WithComponent("observer")

// Observer polls one ContainerRuntime for one network's attached
// containers and applies the resulting diff to a Registry.
type Observer struct {
	rt       runtime.ContainerRuntime
	network  string
	registry *registry.Registry
	self     types.PeerID
	ids      *identity.Store

	last map[string]runtime.AttachedContainer // by container ID
}

// New constructs an Observer. self and ids provide the stable identity
// and monotonic ts counter that every minted binding uses.
func New(rt runtime.ContainerRuntime, network string, reg *registry.Registry, self types.PeerID, ids *identity.Store) *Observer {
	return &Observer{
		rt:       rt,
		network:  network,
		registry: reg,
		self:     self,
		ids:      ids,
		last:     make(map[string]runtime.AttachedContainer),
	}
}

// Run polls until ctx is canceled. A poll failure never mutates the
// registry; the previously observed set is preserved and retried after
// an exponential backoff, so a transient runtime outage cannot look like
// every container disappearing at once.
func (o *Observer) Run(ctx context.Context) error {
	failures := 0

	for {
		err := o.poll(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("poll failed, holding last known state")
			metrics.ObserverPollFailuresTotal.Inc()
			failures++
		} else {
			failures = 0
		}

		wait := PollInterval
		if failures > 0 {
			wait = backoffFor(failures)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func backoffFor(failures int) time.Duration {
	if failures-1 < len(backoffSteps) {
		return backoffSteps[failures-1]
	}
	d := backoffSteps[len(backoffSteps)-1]
	for i := len(backoffSteps); i < failures && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (o *Observer) poll(ctx context.Context) error {
	timer := metrics.NewTimer()
	current, err := o.rt.ListAttached(ctx, o.network)
	timer.ObserveDuration(metrics.ObserverPollDuration)
	if err != nil {
		return err
	}

	byID := make(map[string]runtime.AttachedContainer, len(current))
	for _, c := range current {
		byID[c.ID] = c
	}

	for id, c := range byID {
		prev, existed := o.last[id]
		switch {
		case !existed:
			o.publishUpsert(c)
		case !prev.IP.Equal(c.IP) || prev.Name != c.Name:
			o.publishRemove(prev)
			o.publishUpsert(c)
		}
	}
	for id, prev := range o.last {
		if _, stillThere := byID[id]; !stillThere {
			o.publishRemove(prev)
		}
	}

	o.last = byID
	return nil
}

func (o *Observer) publishUpsert(c runtime.AttachedContainer) {
	addr, err := types.NewAddress(c.IP)
	if err != nil {
		nameLogger := log.WithName(c.Name)
		nameLogger.Warn().Str("ip", c.IP.String()).Msg("skipping container with unparseable address")
		return
	}
	name, err := types.NormalizeName(c.Name)
	if err != nil {
		logger.Warn().Str("raw_name", c.Name).Err(err).Msg("skipping container with invalid name")
		return
	}

	ts, err := o.mintTS()
	if err != nil {
		logger.Error().Err(err).Msg("mint timestamp")
		return
	}
	o.registry.Apply(types.Mutation{Kind: types.MutationUpsert, Name: name, Address: addr, Origin: o.self, TS: ts})
}

func (o *Observer) publishRemove(c runtime.AttachedContainer) {
	addr, err := types.NewAddress(c.IP)
	if err != nil {
		return
	}
	name, err := types.NormalizeName(c.Name)
	if err != nil {
		return
	}
	ts, err := o.mintTS()
	if err != nil {
		logger.Error().Err(err).Msg("mint timestamp")
		return
	}
	o.registry.Apply(types.Mutation{Kind: types.MutationRemove, Name: name, Address: addr, Origin: o.self, TS: ts})
}

// mintTS returns a fresh monotonic logical timestamp, at least one more
// than any this node has minted before (even across a restart, thanks to
// the persisted high-water mark) and never behind wall-clock time.
func (o *Observer) mintTS() (uint64, error) {
	last, err := o.ids.LoadTSCounter()
	if err != nil {
		return 0, err
	}
	now := uint64(time.Now().UnixMilli())
	ts := last + 1
	if now > ts {
		ts = now
	}
	if err := o.ids.SaveTSCounter(ts); err != nil {
		return 0, err
	}
	return ts, nil
}
