// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	check "gopkg.in/check.v1"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/ctxlog"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&EC2Suite{})

type EC2Suite struct{}

type stubEC2 struct {
	runInput   *awsec2.RunInstancesInput
	runErr     error
	terminated []string
}

func (s *stubEC2) RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error) {
	s.runInput = params
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &awsec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{
			InstanceId:   aws.String("i-0123456789abcdef0"),
			InstanceType: params.InstanceType,
		}},
	}, nil
}

func (s *stubEC2) DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error) {
	return &awsec2.DescribeInstancesOutput{}, nil
}

func (s *stubEC2) CreateTags(ctx context.Context, params *awsec2.CreateTagsInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateTagsOutput, error) {
	return &awsec2.CreateTagsOutput{}, nil
}

func (s *stubEC2) TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error) {
	s.terminated = append(s.terminated, params.InstanceIds...)
	return &awsec2.TerminateInstancesOutput{}, nil
}

type stubAPIError struct {
	code string
}

func (e stubAPIError) Error() string                 { return e.code }
func (e stubAPIError) ErrorCode() string             { return e.code }
func (e stubAPIError) ErrorMessage() string          { return e.code }
func (e stubAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func (s *EC2Suite) TestCreateSpot(c *check.C) {
	stub := &stubEC2{}
	is := &instanceSet{
		config: Config{Region: "us-east-1", ImageID: "ami-0abc", SubnetID: "subnet-1", SecurityGroupID: "sg-1"},
		setID:  "test-set",
		logger: ctxlog.TestLogger(c),
		client: stub,
	}
	payload := []byte("#!/bin/bash\necho hi\n")
	inst, err := is.Create(context.Background(), cloud.InstanceSpec{
		Region:         "us-east-1",
		MachineProfile: "g4dn.xlarge",
		Preemptible:    true,
		StartupPayload: payload,
	}, cloud.InstanceTags{"RequestID": "req-1"})
	c.Assert(err, check.IsNil)
	c.Check(inst.ID(), check.Equals, cloud.InstanceID("i-0123456789abcdef0"))
	c.Check(inst.ProviderType(), check.Equals, "g4dn.xlarge")

	rii := stub.runInput
	c.Assert(rii, check.NotNil)
	c.Check(aws.ToString(rii.UserData), check.Equals, base64.StdEncoding.EncodeToString(payload))
	c.Check(rii.InstanceInitiatedShutdownBehavior, check.Equals, ec2types.ShutdownBehaviorTerminate)
	c.Assert(rii.InstanceMarketOptions, check.NotNil)
	c.Check(rii.InstanceMarketOptions.MarketType, check.Equals, ec2types.MarketTypeSpot)
	c.Assert(rii.NetworkInterfaces, check.HasLen, 1)
	c.Check(aws.ToString(rii.NetworkInterfaces[0].SubnetId), check.Equals, "subnet-1")

	var setIDTag string
	for _, tag := range rii.TagSpecifications[0].Tags {
		if aws.ToString(tag.Key) == tagKeyInstanceSetID {
			setIDTag = aws.ToString(tag.Value)
		}
	}
	c.Check(setIDTag, check.Equals, "test-set")
}

func (s *EC2Suite) TestCreateOnDemandHasNoMarketOptions(c *check.C) {
	stub := &stubEC2{}
	is := &instanceSet{
		config: Config{Region: "us-east-1", ImageID: "ami-0abc"},
		setID:  "test-set",
		logger: ctxlog.TestLogger(c),
		client: stub,
	}
	_, err := is.Create(context.Background(), cloud.InstanceSpec{MachineProfile: "n2-standard-8"}, nil)
	c.Assert(err, check.IsNil)
	c.Check(stub.runInput.InstanceMarketOptions, check.IsNil)
	c.Check(stub.runInput.NetworkInterfaces, check.HasLen, 0)
}

func (s *EC2Suite) TestQuotaErrorClassification(c *check.C) {
	for code, quota := range map[string]bool{
		"InstanceLimitExceeded":        true,
		"VcpuLimitExceeded":            true,
		"MaxSpotInstanceCountExceeded": true,
		"InsufficientInstanceCapacity": true,
		"UnauthorizedOperation":        false,
	} {
		stub := &stubEC2{runErr: stubAPIError{code: code}}
		is := &instanceSet{
			config: Config{Region: "us-east-1", ImageID: "ami-0abc"},
			setID:  "test-set",
			logger: ctxlog.TestLogger(c),
			client: stub,
		}
		_, err := is.Create(context.Background(), cloud.InstanceSpec{MachineProfile: "g4dn.xlarge"}, nil)
		c.Assert(err, check.NotNil)
		c.Check(cloud.IsQuotaError(err), check.Equals, quota, check.Commentf("code %s", code))
	}
}

func (s *EC2Suite) TestRateLimitErrorClassification(c *check.C) {
	stub := &stubEC2{runErr: stubAPIError{code: "RequestLimitExceeded"}}
	is := &instanceSet{
		config: Config{Region: "us-east-1", ImageID: "ami-0abc"},
		setID:  "test-set",
		logger: ctxlog.TestLogger(c),
		client: stub,
	}
	_, err := is.Create(context.Background(), cloud.InstanceSpec{MachineProfile: "g4dn.xlarge"}, nil)
	c.Assert(err, check.NotNil)
	var rle cloud.RateLimitError
	c.Assert(err, check.FitsTypeOf, rateLimitError{})
	rle = err.(rateLimitError)
	c.Check(rle.EarliestRetry().IsZero(), check.Equals, false)
}

func (s *EC2Suite) TestDestroy(c *check.C) {
	stub := &stubEC2{}
	is := &instanceSet{
		config: Config{Region: "us-east-1", ImageID: "ami-0abc"},
		setID:  "test-set",
		logger: ctxlog.TestLogger(c),
		client: stub,
	}
	inst, err := is.Create(context.Background(), cloud.InstanceSpec{MachineProfile: "g4dn.xlarge"}, nil)
	c.Assert(err, check.IsNil)
	c.Check(inst.Destroy(), check.IsNil)
	c.Check(stub.terminated, check.DeepEquals, []string{"i-0123456789abcdef0"})
}
