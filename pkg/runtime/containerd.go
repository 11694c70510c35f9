package runtime

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace this daemon reads
	// container metadata from.
	DefaultNamespace = "gluedns"

	// DefaultSocketPath is the default containerd socket path.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// labelNetwork marks which network(s) a container has opted into
	// name resolution on, comma-separated.
	labelNetwork = "gluedns.network"
	// labelIPv4Prefix, suffixed with a network name, names the label
	// holding the address the observer binds a container's name to on
	// that network. It is the only address source: the network's own
	// IPAM state is not read through the containerd metadata store.
	labelIPv4Prefix = "gluedns.network."
	labelIPv4Suffix = ".ipv4"
)

// ContainerdBackend implements ContainerRuntime against a containerd
// socket, scoped to a single namespace. It only ever lists and inspects
// containers; it never creates, starts, stops or deletes them.
type ContainerdBackend struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdBackend dials socketPath and scopes all calls to
// namespace (DefaultNamespace if empty).
func NewContainerdBackend(socketPath, namespace string) (*ContainerdBackend, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd at %s: %w", socketPath, err)
	}

	return &ContainerdBackend{client: client, namespace: namespace}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdBackend) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ListAttached enumerates every container in the namespace whose
// gluedns.network label lists network. Each one's name comes from its
// gluedns.name label, falling back to its OCI spec hostname and then to
// its container ID; its address comes from its
// gluedns.network.<network>.ipv4 label, and a container without that
// label is skipped.
func (r *ContainerdBackend) ListAttached(ctx context.Context, network string) ([]AttachedContainer, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}

	var out []AttachedContainer
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue // container may have been removed mid-scan
		}
		if !networkMatches(labels[labelNetwork], network) {
			continue
		}

		name := labels["gluedns.name"]
		if name == "" {
			name = r.hostnameFallback(ctx, c)
		}
		if name == "" {
			name = c.ID()
		}

		ip := labels[labelIPv4Prefix+network+labelIPv4Suffix]
		if ip == "" {
			continue // no usable address; skip rather than publish a bad binding
		}

		out = append(out, AttachedContainer{ID: c.ID(), Name: name, IP: parseIP(ip)})
	}

	return out, nil
}

// hostnameFallback reads the container's OCI runtime spec, returning its
// configured Hostname as a fallback name for runtimes that do not attach
// a gluedns.name label.
func (r *ContainerdBackend) hostnameFallback(ctx context.Context, c containerd.Container) string {
	spec, err := c.Spec(ctx)
	if err != nil || spec == nil {
		return ""
	}
	var s *specs.Spec = spec
	return s.Hostname
}

func networkMatches(label, network string) bool {
	for _, n := range strings.Split(label, ",") {
		if strings.TrimSpace(n) == network {
			return true
		}
	}
	return false
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
