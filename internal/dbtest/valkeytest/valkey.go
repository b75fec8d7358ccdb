// Package valkeytest runs a throwaway ValKey container for tests that need a
// shared authority store.
package valkeytest

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"
)

const image = "valkey/valkey:8-alpine"

// Instance is a running container with a connected client.
type Instance struct {
	Client valkey.Client
	Port   nat.Port

	container *valkeycontainer.ValkeyContainer
}

// Addr is the host:port the container is reachable on.
func (i *Instance) Addr() string {
	return net.JoinHostPort("localhost", i.Port.Port())
}

// Start runs the container and connects a client to it.
func Start(ctx context.Context) (*Instance, error) {
	container, err := valkeycontainer.Run(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("starting valkey container: %w", err)
	}

	inst := &Instance{container: container}

	inst.Port, err = container.MappedPort(ctx, nat.Port("6379"))
	if err != nil {
		inst.Terminate(ctx)
		return nil, fmt.Errorf("mapping valkey port: %w", err)
	}

	inst.Client, err = valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{inst.Addr()},
	})
	if err != nil {
		inst.Terminate(ctx)
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}

	return inst, nil
}

// Terminate closes the client and removes the container.
func (i *Instance) Terminate(ctx context.Context) {
	if i.Client != nil {
		i.Client.Close()
	}

	err := i.container.Terminate(ctx)
	if err != nil {
		slogctx.Error(ctx, "Failed to terminate ValKey container", "error", err)
	}
}
