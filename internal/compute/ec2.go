package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/config"
)

const (
	securityGroupName = "companiond-gateway"
	ubuntuOwnerID     = "099720109477"
)

// EC2Provisioner implements Provisioner on the AWS EC2 API.
type EC2Provisioner struct {
	client *ec2.Client
	cfg    config.ComputeConfig
}

// NewEC2Provisioner builds an EC2-backed provisioner from the compute
// config. Static credentials are used when configured, otherwise the SDK's
// default chain applies. A custom endpoint (local emulators) is honored.
func NewEC2Provisioner(ctx context.Context, cfg config.ComputeConfig) (*EC2Provisioner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("compute: load aws config: %w", err)
	}
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &EC2Provisioner{client: client, cfg: cfg}, nil
}

// EnsureNetworkPolicy finds or creates the gateway security group and makes
// sure the gateway port is open. Safe to call concurrently: duplicate group
// and duplicate rule errors are treated as success.
func (p *EC2Provisioner) EnsureNetworkPolicy(ctx context.Context) (string, error) {
	out, err := p.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{securityGroupName}},
		},
	})
	if err != nil {
		return "", &ProviderError{Op: "describe security groups", Err: err}
	}

	var groupID string
	if len(out.SecurityGroups) > 0 {
		groupID = aws.ToString(out.SecurityGroups[0].GroupId)
	} else {
		created, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(securityGroupName),
			Description: aws.String("companiond gateway ingress"),
		})
		switch {
		case isAWSErrorCode(err, "InvalidGroup.Duplicate"):
			// Lost the race; re-read the winner's group.
			return p.EnsureNetworkPolicy(ctx)
		case err != nil:
			return "", &ProviderError{Op: "create security group", Err: err}
		}
		groupID = aws.ToString(created.GroupId)
	}

	_, err = p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    aws.String(groupID),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(p.cfg.GatewayPort)),
		ToPort:     aws.Int32(int32(p.cfg.GatewayPort)),
		CidrIp:     aws.String("0.0.0.0/0"),
	})
	if err != nil && !isAWSErrorCode(err, "InvalidPermission.Duplicate") {
		return "", &ProviderError{Op: "authorize ingress", Err: err}
	}
	return groupID, nil
}

// ResolveBaseImage returns the image to boot from. A non-empty override wins;
// otherwise the newest image matching the configured name pattern is used.
func (p *EC2Provisioner) ResolveBaseImage(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	out, err := p.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{ubuntuOwnerID},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{p.cfg.ImagePattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", &ProviderError{Op: "describe images", Err: err}
	}
	if len(out.Images) == 0 {
		return "", ErrNoImageFound
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// Launch creates one VM for the spec and returns its compute ID. The call
// returns as soon as the create API accepts; boot progress is observed later
// through Describe.
func (p *EC2Provisioner) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	groupID, err := p.EnsureNetworkPolicy(ctx)
	if err != nil {
		return "", err
	}
	imageID, err := p.ResolveBaseImage(ctx, p.cfg.ImageID)
	if err != nil {
		return "", err
	}
	script, err := BuildBootScript(spec, p.cfg.GatewayPort)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("companion-%d", spec.InstanceID)
	out, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(imageID),
		InstanceType:     ec2types.InstanceType(p.cfg.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{groupID},
		UserData:         aws.String(encodeUserData(script)),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(name)},
				{Key: aws.String("managed-by"), Value: aws.String("companiond")},
				{Key: aws.String("owner-id"), Value: aws.String(fmt.Sprintf("%d", spec.OwnerID))},
			},
		}},
	})
	if err != nil {
		return "", &ProviderError{Op: "run instance", Err: err}
	}
	if len(out.Instances) == 0 {
		return "", &ProviderError{Op: "run instance", Err: errors.New("empty reservation")}
	}
	computeID := aws.ToString(out.Instances[0].InstanceId)
	log.WithFields(log.Fields{"compute_id": computeID, "instance_id": spec.InstanceID}).
		Info("compute: launched vm")
	return computeID, nil
}

// Describe reads the VM's public address and normalized state.
func (p *EC2Provisioner) Describe(ctx context.Context, computeID string) (Observation, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{computeID},
	})
	if isAWSErrorCode(err, "InvalidInstanceID.NotFound") {
		return Observation{}, ErrResourceNotFound
	}
	if err != nil {
		return Observation{}, &ProviderError{Op: "describe instance", Err: err}
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			obs := Observation{State: normalizeState(inst.State)}
			if inst.PublicIpAddress != nil {
				obs.PublicAddress = aws.ToString(inst.PublicIpAddress)
			}
			return obs, nil
		}
	}
	return Observation{}, ErrResourceNotFound
}

// Start powers a stopped VM back on.
func (p *EC2Provisioner) Start(ctx context.Context, computeID string) error {
	_, err := p.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{computeID},
	})
	if err != nil {
		return &ProviderError{Op: "start instance", Err: err}
	}
	return nil
}

// Stop powers the VM off without releasing it.
func (p *EC2Provisioner) Stop(ctx context.Context, computeID string) error {
	_, err := p.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{computeID},
	})
	if err != nil {
		return &ProviderError{Op: "stop instance", Err: err}
	}
	return nil
}

// Terminate releases the VM. Terminating an unknown or already-terminated
// resource is not an error.
func (p *EC2Provisioner) Terminate(ctx context.Context, computeID string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{computeID},
	})
	if isAWSErrorCode(err, "InvalidInstanceID.NotFound") {
		return nil
	}
	if err != nil {
		return &ProviderError{Op: "terminate instance", Err: err}
	}
	return nil
}

// encodeUserData wraps the boot script the way the run API expects it.
func encodeUserData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// normalizeState maps the provider state machine onto the three states the
// orchestrator cares about.
func normalizeState(st *ec2types.InstanceState) State {
	if st == nil {
		return StateOther
	}
	switch st.Name {
	case ec2types.InstanceStateNameRunning:
		return StateRunning
	case ec2types.InstanceStateNameStopped:
		return StateStopped
	default:
		return StateOther
	}
}

// isAWSErrorCode reports whether err is an AWS API error with the given code.
func isAWSErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
