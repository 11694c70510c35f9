// Package registry implements the process-wide name → address-set table
// that is the core of gluedns: every accepted mutation, local or
// gossiped, is linearized through Registry.Apply, and every DNS answer is
// served from Registry.Lookup.
//
// The registry is the one piece of shared mutable state in the daemon:
// it is owned by the supervisor and handed to the observer, the gossip
// adapter and the DNS responder as a shared reference. No subsystem
// reaches into another's internals; they only ever talk to the Registry.
package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/metrics"
	"github.com/cuemby/gluedns/pkg/types"
)

// subscriberBuffer bounds the mutation stream handed to Subscribe. It is
// sized generously above the gossip adapter's own inbound buffer (256, see
// pkg/gossip) so that a burst of local mutations does not immediately
// trip the overflow path.
const subscriberBuffer = 1024

var logger = log.WithComponent("registry")

// Registry is a concurrent name → binding-set map with a change feed.
// The zero value is not usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.Name]map[types.Key]types.Binding

	subMu sync.Mutex
	sub   *subscription
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[types.Name]map[types.Key]types.Binding),
	}
}

// subscription is the single-producer/single-consumer channel behind
// Subscribe. Only one subscriber is ever expected (the gossip adapter);
// Subscribe replaces any previous subscription outright.
type subscription struct {
	ch chan types.Mutation
}

// Apply merges a mutation into the registry: within one (name, origin,
// address) triple only the highest-ts binding survives, and a name with
// an empty binding set is pruned. Apply is the registry's linearization
// point, running under a single exclusive lock that never suspends.
func (r *Registry) Apply(m types.Mutation) types.ApplyOutcome {
	key := types.Key{Name: m.Name, Origin: m.Origin, Address: m.Address}

	r.mu.Lock()
	outcome := r.applyLocked(key, m)
	size := 0
	for _, bucket := range r.entries {
		size += len(bucket)
	}
	r.mu.Unlock()

	metrics.RegistryMutationsTotal.WithLabelValues(outcome.String()).Inc()
	metrics.RegistryBindingsTotal.Set(float64(size))

	if outcome == types.Accepted {
		r.publish(m)
	}
	return outcome
}

func (r *Registry) applyLocked(key types.Key, m types.Mutation) types.ApplyOutcome {
	bucket := r.entries[m.Name]
	existing, ok := bucket[key]

	switch m.Kind {
	case types.MutationUpsert:
		if ok {
			if existing.TS > m.TS {
				return types.IgnoredStale
			}
			if existing.TS == m.TS {
				return types.IgnoredDuplicate
			}
		}
		if bucket == nil {
			bucket = make(map[types.Key]types.Binding)
			r.entries[m.Name] = bucket
		}
		bucket[key] = m.BindingOf()
		return types.Accepted

	case types.MutationRemove:
		if !ok {
			// Nothing to remove; harmless but not a state change. A
			// Remove that arrives before its Upsert (out-of-order
			// gossip) is legitimately possible, so this is not logged
			// as an error.
			return types.IgnoredDuplicate
		}
		if existing.TS > m.TS {
			return types.IgnoredStale
		}
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(r.entries, m.Name)
		}
		return types.Accepted

	default:
		logger.Warn().
			Uint8("kind", uint8(m.Kind)).
			Msg("dropping mutation with unknown kind")
		return types.IgnoredDuplicate
	}
}

// Lookup returns the addresses bound to name, IPv4 addresses first and
// each family sorted ascending by byte value, so that two nodes holding
// identical registry state produce byte-identical DNS answers. The name
// is lowercased before lookup; an absent name yields an empty, non-nil
// slice.
func (r *Registry) Lookup(name string) []types.Address {
	n := types.Name(toLower(name))

	r.mu.RLock()
	bucket := r.entries[n]
	addrs := make([]types.Address, 0, len(bucket))
	seen := make(map[string]bool, len(bucket))
	for _, b := range bucket {
		// De-duplicate identical addresses published by two different
		// origins: origin is part of the binding key, so lookup must
		// fold duplicates before returning.
		k := b.Address.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		addrs = append(addrs, b.Address)
	}
	r.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs
}

// Snapshot returns a consistent copy of every binding currently held, for
// full-sync on peer join and for diagnostics.
func (r *Registry) Snapshot() []types.Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Binding, 0)
	for _, bucket := range r.entries {
		for _, b := range bucket {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Origin != out[j].Origin {
			return out[i].Origin.String() < out[j].Origin.String()
		}
		return out[i].Address.Compare(out[j].Address) < 0
	})
	return out
}

// Subscribe returns a channel of accepted mutations, in acceptance order.
// There is one logical subscriber (the gossip adapter); calling Subscribe
// again replaces the previous channel, which is closed. If the consumer
// falls behind and the bounded buffer overflows, the channel is closed
// (disconnect) rather than silently dropping a mutation; the adapter is
// expected to re-subscribe and reconcile with a fresh Snapshot.
func (r *Registry) Subscribe() <-chan types.Mutation {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub != nil {
		close(r.sub.ch)
	}
	sub := &subscription{ch: make(chan types.Mutation, subscriberBuffer)}
	r.sub = sub
	return sub.ch
}

// Unsubscribe closes the current subscription if it is still the one
// passed in, identified by comparing channels. Safe to call after the
// registry has already replaced the subscription.
func (r *Registry) Unsubscribe(ch <-chan types.Mutation) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub != nil && (<-chan types.Mutation)(r.sub.ch) == ch {
		close(r.sub.ch)
		r.sub = nil
	}
}

// publish is called concurrently by every goroutine that can call Apply
// (the observer and the gossip inbound path both do), so the send and
// the overflow-close must happen under the same subMu critical section:
// releasing the lock between reading r.sub and sending would let one
// goroutine send on a channel another goroutine has since closed.
func (r *Registry) publish(m types.Mutation) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	sub := r.sub
	if sub == nil {
		return
	}

	select {
	case sub.ch <- m:
	default:
		// Overflow: disconnect this subscriber so the consumer notices
		// via a closed channel and resynchronizes from Snapshot instead
		// of silently missing a mutation.
		close(sub.ch)
		r.sub = nil
		logger.Warn().Msg("mutation subscriber overflowed, disconnecting")
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
