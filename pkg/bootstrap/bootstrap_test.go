package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveMergesDiscoveredAheadOfExplicitAndDedupes(t *testing.T) {
	r := &Resolver{
		ServiceName:   "tasks.gluedns",
		DiscoveryPort: "7331",
		Explicit:      []string{"10.0.0.9:7331", "10.0.0.1:7331"},
		lookupHost: func(ctx context.Context, host string) ([]string, error) {
			return []string{"10.0.0.1", "10.0.0.2"}, nil
		},
	}

	got := r.Resolve(context.Background())
	assert.Equal(t, []string{"10.0.0.1:7331", "10.0.0.2:7331", "10.0.0.9:7331"}, got)
}

func TestResolveFallsBackToExplicitOnDiscoveryFailure(t *testing.T) {
	r := &Resolver{
		ServiceName: "tasks.gluedns",
		Explicit:    []string{"10.0.0.5:7331"},
		lookupHost: func(ctx context.Context, host string) ([]string, error) {
			return nil, assertErr
		},
	}
	got := r.Resolve(context.Background())
	assert.Equal(t, []string{"10.0.0.5:7331"}, got)
}

var assertErr = fmtErr("lookup failed")

type fmtErr string

func (e fmtErr) Error() string { return string(e) }
