// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 implements cloud.InstanceSet for the fallback VM path
// using EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/autovideo-dev/renderd/lib/cloud"
)

const (
	tagKeyInstanceSetID = "renderd-instance-set-id"
	tagKeyClass         = "renderd-class"
	tagPrefix           = "renderd-tag-"

	rateLimitHoldoff = time.Minute
)

// Config is the driver configuration. When AccessKeyID is empty the
// ambient AWS credential chain is used.
type Config struct {
	AccessKeyID        string `json:"AccessKeyID,omitempty"`
	SecretAccessKey    string `json:"SecretAccessKey,omitempty"`
	Region             string `json:"Region"`
	SubnetID           string `json:"SubnetID,omitempty"`
	SecurityGroupID    string `json:"SecurityGroupID,omitempty"`
	ImageID            string `json:"ImageID"`
	InstanceProfileARN string `json:"InstanceProfileARN,omitempty"`
	BootDiskSizeGB     int32  `json:"BootDiskSizeGB,omitempty"`
}

// Subset of the EC2 API used by the driver, so tests can substitute a
// stub.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type instanceSet struct {
	config Config
	setID  cloud.InstanceSetID
	logger logrus.FieldLogger
	client ec2API
}

// NewInstanceSet returns a cloud.InstanceSet backed by EC2.
func NewInstanceSet(ctx context.Context, config Config, setID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	if config.Region == "" {
		return nil, errors.New("ec2: Region must be provided")
	}
	if config.ImageID == "" {
		return nil, errors.New("ec2: ImageID must be provided")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ec2: loading AWS config: %w", err)
	}
	return &instanceSet{
		config: config,
		setID:  setID,
		logger: logger,
		client: ec2.NewFromConfig(awsCfg),
	}, nil
}

type quotaError struct{ error }

func (quotaError) IsQuotaError() bool { return true }

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (e rateLimitError) EarliestRetry() time.Time { return e.earliestRetry }

var quotaErrorCodes = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientInstanceCapacity":      true,
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientVolumeCapacity":        true,
	"MaxSpotInstanceCountExceeded":      true,
	"VcpuLimitExceeded":                 true,
}

// wrapError attaches the appropriate error interface (QuotaError,
// RateLimitError) to provider errors the caller is expected to branch
// on.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if quotaErrorCodes[ae.ErrorCode()] {
			return quotaError{err}
		}
		if ae.ErrorCode() == "RequestLimitExceeded" {
			return rateLimitError{err, time.Now().Add(rateLimitHoldoff)}
		}
	}
	return err
}

func (is *instanceSet) Create(ctx context.Context, spec cloud.InstanceSpec, tags cloud.InstanceTags) (cloud.Instance, error) {
	ec2tags := []ec2types.Tag{
		{Key: aws.String(tagKeyInstanceSetID), Value: aws.String(string(is.setID))},
		{Key: aws.String(tagKeyClass), Value: aws.String("fallback-render")},
	}
	for k, v := range tags {
		ec2tags = append(ec2tags, ec2types.Tag{
			Key:   aws.String(tagPrefix + k),
			Value: aws.String(v),
		})
	}

	bootDisk := is.config.BootDiskSizeGB
	if bootDisk == 0 {
		bootDisk = 50
	}

	rii := &ec2.RunInstancesInput{
		ImageId:      aws.String(is.config.ImageID),
		InstanceType: ec2types.InstanceType(spec.MachineProfile),
		MaxCount:     aws.Int32(1),
		MinCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString(spec.StartupPayload)),
		// The startup payload powers the instance off when it is
		// done; terminate-on-shutdown turns that into teardown
		// even if our explicit Destroy never arrives.
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		DisableApiTermination:             aws.Bool(false),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         ec2tags,
		}},
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &ec2types.EbsBlockDevice{
				DeleteOnTermination: aws.Bool(true),
				VolumeSize:          aws.Int32(bootDisk),
				VolumeType:          ec2types.VolumeTypeGp3,
			},
		}},
	}

	if is.config.SubnetID != "" {
		ni := ec2types.InstanceNetworkInterfaceSpecification{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(is.config.SubnetID),
		}
		if is.config.SecurityGroupID != "" {
			ni.Groups = []string{is.config.SecurityGroupID}
		}
		rii.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{ni}
	}

	if is.config.InstanceProfileARN != "" {
		rii.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Arn: aws.String(is.config.InstanceProfileARN),
		}
	}

	if spec.Preemptible {
		rii.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	rsv, err := is.client.RunInstances(ctx, rii)
	if err != nil {
		return nil, wrapError(err)
	}
	inst := &ec2Instance{
		provider: is,
		instance: rsv.Instances[0],
	}
	is.logger.WithFields(logrus.Fields{
		"InstanceID":     inst.ID(),
		"MachineProfile": spec.MachineProfile,
		"Preemptible":    spec.Preemptible,
	}).Info("created instance")
	return inst, nil
}

func (is *instanceSet) Instances(ctx context.Context, tags cloud.InstanceTags) ([]cloud.Instance, error) {
	filters := []ec2types.Filter{{
		Name:   aws.String("tag:" + tagKeyInstanceSetID),
		Values: []string{string(is.setID)},
	}}
	for k, v := range tags {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + tagPrefix + k),
			Values: []string{v},
		})
	}
	dii := &ec2.DescribeInstancesInput{Filters: filters}
	var instances []cloud.Instance
	for {
		dio, err := is.client.DescribeInstances(ctx, dii)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				instances = append(instances, &ec2Instance{provider: is, instance: inst})
			}
		}
		if dio.NextToken == nil {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (is *instanceSet) Stop() {
}

type ec2Instance struct {
	provider *instanceSet
	instance ec2types.Instance
}

func (inst *ec2Instance) ID() cloud.InstanceID {
	return cloud.InstanceID(aws.ToString(inst.instance.InstanceId))
}

func (inst *ec2Instance) String() string {
	return aws.ToString(inst.instance.InstanceId)
}

func (inst *ec2Instance) ProviderType() string {
	return string(inst.instance.InstanceType)
}

func (inst *ec2Instance) SetTags(newTags cloud.InstanceTags) error {
	ec2tags := []ec2types.Tag{
		{Key: aws.String(tagKeyInstanceSetID), Value: aws.String(string(inst.provider.setID))},
	}
	for k, v := range newTags {
		ec2tags = append(ec2tags, ec2types.Tag{
			Key:   aws.String(tagPrefix + k),
			Value: aws.String(v),
		})
	}
	_, err := inst.provider.client.CreateTags(context.Background(), &ec2.CreateTagsInput{
		Resources: []string{aws.ToString(inst.instance.InstanceId)},
		Tags:      ec2tags,
	})
	return wrapError(err)
}

func (inst *ec2Instance) Tags() cloud.InstanceTags {
	tags := make(cloud.InstanceTags)
	for _, t := range inst.instance.Tags {
		if k := aws.ToString(t.Key); len(k) > len(tagPrefix) && k[:len(tagPrefix)] == tagPrefix {
			tags[k[len(tagPrefix):]] = aws.ToString(t.Value)
		}
	}
	return tags
}

func (inst *ec2Instance) Destroy() error {
	inst.provider.logger.WithField("InstanceID", inst.ID()).Info("terminating instance")
	_, err := inst.provider.client.TerminateInstances(context.Background(), &ec2.TerminateInstancesInput{
		InstanceIds: []string{aws.ToString(inst.instance.InstanceId)},
	})
	return wrapError(err)
}
