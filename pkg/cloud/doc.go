// Package cloud provides CloudAdapter implementations.
//
// EC2 maps the adapter verbs onto EBS volumes and EC2 instances:
//
//	DetachDisk  -> DetachVolume (optionally waiting for "available")
//	AttachDisk  -> AttachVolume at the configured device
//	DeleteDisk  -> DeleteVolume
//	HasDisk     -> DescribeVolumes
//	HasVM       -> DescribeInstances
//	RebootVM    -> RebootInstances
//
// Provider errors are classified into engine errors: InvalidVolume.NotFound
// wraps engine.ErrDiskNotFound, InvalidInstanceID.NotFound wraps
// engine.ErrVMNotFound, throttling codes become throttled errors and server
// faults become transient errors.
//
// Instrument wraps any adapter with tracing spans and call metrics.
package cloud
