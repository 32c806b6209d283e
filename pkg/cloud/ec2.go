package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// EC2API is the subset of *ec2.Client the adapter calls.
type EC2API interface {
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
}

// EC2Config configures the EC2 adapter.
type EC2Config struct {
	Region  string
	Profile string

	// DeviceName is the block device name used when attaching volumes.
	DeviceName string

	// DetachWait bounds how long DetachDisk waits for the volume to become
	// available. Zero returns as soon as EC2 accepts the request.
	DetachWait time.Duration
}

// DefaultDeviceName is used when EC2Config.DeviceName is empty.
const DefaultDeviceName = "/dev/sdf"

// EC2 implements engine.CloudAdapter on AWS EC2 volumes and instances.
type EC2 struct {
	client     EC2API
	device     string
	detachWait time.Duration
	logger     zerolog.Logger
}

var _ engine.CloudAdapter = (*EC2)(nil)

// NewEC2 loads the default AWS configuration and creates an adapter.
func NewEC2(ctx context.Context, cfg EC2Config, logger zerolog.Logger) (*EC2, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewEC2WithClient(ec2.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewEC2WithClient creates an adapter over an existing client.
func NewEC2WithClient(client EC2API, cfg EC2Config, logger zerolog.Logger) *EC2 {
	device := cfg.DeviceName
	if device == "" {
		device = DefaultDeviceName
	}
	return &EC2{
		client:     client,
		device:     device,
		detachWait: cfg.DetachWait,
		logger:     logger.With().Str("component", "ec2").Logger(),
	}
}

// DetachDisk detaches a volume. A volume that is not attached to the
// instance counts as detached.
func (a *EC2) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	_, err := a.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		InstanceId: aws.String(vmCID),
		VolumeId:   aws.String(diskCID),
	})
	if err != nil {
		if apiErrorCode(err) == "IncorrectState" || apiErrorCode(err) == "InvalidAttachment.NotFound" {
			a.logger.Debug().Str("disk_cid", diskCID).Str("vm_cid", vmCID).Msg("Volume already detached")
			return nil
		}
		return classify("detach_volume", diskCID, err)
	}

	if a.detachWait <= 0 {
		return nil
	}
	waiter := ec2.NewVolumeAvailableWaiter(a.client)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{diskCID}}, a.detachWait); err != nil {
		return engine.NewTransientError(fmt.Sprintf("volume %s did not become available", diskCID), err).
			WithCode(engine.ErrCodeTimeout).
			WithOperation("detach_volume")
	}
	return nil
}

// AttachDisk attaches a volume at the configured device. Attaching a volume
// already attached to the same instance succeeds.
func (a *EC2) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	_, err := a.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(a.device),
		InstanceId: aws.String(vmCID),
		VolumeId:   aws.String(diskCID),
	})
	if err == nil {
		return nil
	}

	if apiErrorCode(err) == "VolumeInUse" {
		vol, derr := a.describeVolume(ctx, diskCID)
		if derr == nil && vol != nil {
			for _, att := range vol.Attachments {
				if aws.ToString(att.InstanceId) == vmCID {
					return nil
				}
			}
		}
	}
	return classify("attach_volume", diskCID, err)
}

// DeleteDisk deletes a volume. A missing volume yields ErrDiskNotFound.
func (a *EC2) DeleteDisk(ctx context.Context, diskCID string) error {
	_, err := a.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(diskCID)})
	if err != nil {
		return classify("delete_volume", diskCID, err)
	}
	a.logger.Info().Str("disk_cid", diskCID).Msg("Volume deleted")
	return nil
}

// HasDisk reports whether the volume exists and is not being deleted.
func (a *EC2) HasDisk(ctx context.Context, diskCID string) (bool, error) {
	vol, err := a.describeVolume(ctx, diskCID)
	if errors.Is(err, engine.ErrDiskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if vol == nil {
		return false, nil
	}
	switch vol.State {
	case types.VolumeStateDeleting, types.VolumeStateDeleted:
		return false, nil
	}
	return true, nil
}

// HasVM reports whether the instance exists and is not terminated.
func (a *EC2) HasVM(ctx context.Context, vmCID string) (bool, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{vmCID}})
	if err != nil {
		err = classify("describe_instances", vmCID, err)
		if errors.Is(err, engine.ErrVMNotFound) {
			return false, nil
		}
		return false, err
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != vmCID {
				continue
			}
			if inst.State == nil {
				return true, nil
			}
			switch inst.State.Name {
			case types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
				return false, nil
			}
			return true, nil
		}
	}
	return false, nil
}

// RebootVM requests an instance reboot.
func (a *EC2) RebootVM(ctx context.Context, vmCID string) error {
	_, err := a.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{vmCID}})
	if err != nil {
		return classify("reboot_instances", vmCID, err)
	}
	a.logger.Info().Str("vm_cid", vmCID).Msg("Instance reboot requested")
	return nil
}

func (a *EC2) describeVolume(ctx context.Context, diskCID string) (*types.Volume, error) {
	out, err := a.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{diskCID}})
	if err != nil {
		return nil, classify("describe_volumes", diskCID, err)
	}
	for i := range out.Volumes {
		if aws.ToString(out.Volumes[i].VolumeId) == diskCID {
			return &out.Volumes[i], nil
		}
	}
	return nil, nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// classify maps an EC2 error onto the engine taxonomy.
func classify(op, resource string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("ec2 request timed out", err).
			WithCode(engine.ErrCodeTimeout).WithOperation(op).WithResource(resource)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return engine.NewTransientError("ec2 request failed", err).
			WithCode(engine.ErrCodeCloudFailed).WithOperation(op).WithResource(resource)
	}

	switch code := apiErr.ErrorCode(); code {
	case "InvalidVolume.NotFound":
		return engine.NewPermanentError("volume not found", engine.ErrDiskNotFound).
			WithCode(engine.ErrCodeNotFound).WithOperation(op).WithResource(resource)
	case "InvalidInstanceID.NotFound":
		return engine.NewPermanentError("instance not found", engine.ErrVMNotFound).
			WithCode(engine.ErrCodeNotFound).WithOperation(op).WithResource(resource)
	case "RequestLimitExceeded", "Throttling", "ThrottlingException":
		return engine.NewThrottledError("ec2 request throttled", err).
			WithCode(engine.ErrCodeRateLimited).WithOperation(op).WithResource(resource)
	case "VolumeInUse", "IncorrectState", "IncorrectInstanceState":
		return engine.NewConflictError(apiErr.ErrorMessage(), err).
			WithCode(engine.ErrCodeConflict).WithOperation(op).WithResource(resource)
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return engine.NewTransientError("ec2 server error", err).
			WithCode(engine.ErrCodeCloudFailed).WithOperation(op).WithResource(resource)
	}
	return engine.NewPermanentError("ec2 request rejected", err).
		WithCode(engine.ErrCodeCloudFailed).WithOperation(op).WithResource(resource)
}
