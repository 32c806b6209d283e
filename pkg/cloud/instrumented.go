package cloud

import (
	"context"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/telemetry"
)

// Instrumented wraps a CloudAdapter with spans and adapter call metrics.
type Instrumented struct {
	next engine.CloudAdapter
	name string
	tel  *telemetry.Telemetry
}

var _ engine.CloudAdapter = (*Instrumented)(nil)

// Instrument decorates next. name labels the adapter in metrics and spans.
func Instrument(next engine.CloudAdapter, name string, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{next: next, name: name, tel: tel}
}

func (i *Instrumented) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	return i.tel.InstrumentCall(ctx, i.name, "detach_disk", func(ctx context.Context) error {
		return i.next.DetachDisk(ctx, vmCID, diskCID)
	})
}

func (i *Instrumented) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	return i.tel.InstrumentCall(ctx, i.name, "attach_disk", func(ctx context.Context) error {
		return i.next.AttachDisk(ctx, vmCID, diskCID)
	})
}

func (i *Instrumented) DeleteDisk(ctx context.Context, diskCID string) error {
	return i.tel.InstrumentCall(ctx, i.name, "delete_disk", func(ctx context.Context) error {
		return i.next.DeleteDisk(ctx, diskCID)
	})
}

func (i *Instrumented) HasDisk(ctx context.Context, diskCID string) (bool, error) {
	var found bool
	err := i.tel.InstrumentCall(ctx, i.name, "has_disk", func(ctx context.Context) error {
		var err error
		found, err = i.next.HasDisk(ctx, diskCID)
		return err
	})
	return found, err
}

func (i *Instrumented) HasVM(ctx context.Context, vmCID string) (bool, error) {
	var found bool
	err := i.tel.InstrumentCall(ctx, i.name, "has_vm", func(ctx context.Context) error {
		var err error
		found, err = i.next.HasVM(ctx, vmCID)
		return err
	})
	return found, err
}

func (i *Instrumented) RebootVM(ctx context.Context, vmCID string) error {
	return i.tel.InstrumentCall(ctx, i.name, "reboot_vm", func(ctx context.Context) error {
		return i.next.RebootVM(ctx, vmCID)
	})
}
