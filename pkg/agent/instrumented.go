package agent

import (
	"context"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
	"github.com/openfroyo/cloudcheck/pkg/telemetry"
)

type instrumentedResolver struct {
	next engine.AgentResolver
	tel  *telemetry.Telemetry
}

// Instrument wraps every client returned by next with spans and adapter
// call metrics under the "agent" adapter label.
func Instrument(next engine.AgentResolver, tel *telemetry.Telemetry) engine.AgentResolver {
	return &instrumentedResolver{next: next, tel: tel}
}

func (r *instrumentedResolver) ForVM(ctx context.Context, vm *stores.VM) (engine.AgentClient, error) {
	client, err := r.next.ForVM(ctx, vm)
	if err != nil {
		return nil, err
	}
	return &instrumentedClient{next: client, tel: r.tel}, nil
}

type instrumentedClient struct {
	next engine.AgentClient
	tel  *telemetry.Telemetry
}

func (c *instrumentedClient) ListMountedDisks(ctx context.Context) ([]string, error) {
	var cids []string
	err := c.tel.InstrumentCall(ctx, "agent", "list_mounted_disks", func(ctx context.Context) error {
		var err error
		cids, err = c.next.ListMountedDisks(ctx)
		return err
	})
	return cids, err
}

func (c *instrumentedClient) MountDisk(ctx context.Context, diskCID string) error {
	return c.tel.InstrumentCall(ctx, "agent", "mount_disk", func(ctx context.Context) error {
		return c.next.MountDisk(ctx, diskCID)
	})
}

func (c *instrumentedClient) Ping(ctx context.Context) error {
	return c.tel.InstrumentCall(ctx, "agent", "ping", func(ctx context.Context) error {
		return c.next.Ping(ctx)
	})
}
