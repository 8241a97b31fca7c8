// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/staging"
	"github.com/autovideo-dev/renderd/lib/tier"
)

// VMFallback renders on a directly provisioned VM when every remote
// tier has been exhausted. The instance is always torn down, success
// or not.
type VMFallback struct {
	InstanceSet  cloud.InstanceSet
	Store        staging.Storage
	Catalog      tier.Catalog
	Bucket       string
	ContainerRef string
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       logrus.FieldLogger
	Events       EventSink
}

// Render verifies the staged inputs, boots a VM whose startup payload
// performs the whole render, and waits for the completion sentinel.
// It returns the output object key on success.
func (vm *VMFallback) Render(ctx context.Context, req RenderRequest) (string, error) {
	logger := vm.Logger.WithField("RequestID", req.RequestID)

	// Never boot a VM that would sit idle failing to download its
	// inputs.
	if err := req.Assets.Verify(ctx, vm.Store); err != nil {
		return "", fmt.Errorf("vm fallback: %w", err)
	}

	t, err := vm.selectProfile(req.EstimatedDuration)
	if err != nil {
		return "", err
	}
	logger = logger.WithField("MachineProfile", t.MachineProfile)
	vm.Events.emit(Event{RequestID: req.RequestID, Kind: EventVMStart, Tier: t.String()})

	inst, err := vm.InstanceSet.Create(ctx, cloud.InstanceSpec{
		Region:           t.Region,
		MachineProfile:   t.MachineProfile,
		AcceleratorType:  t.HardwareClass.AcceleratorType(),
		AcceleratorCount: t.HardwareClass.AcceleratorCount(),
		// The fallback is the last resort; never hand it to the
		// spot market.
		Preemptible:    false,
		StartupPayload: vm.startupPayload(req),
	}, cloud.InstanceTags{"RequestID": req.RequestID})
	if err != nil {
		return "", fmt.Errorf("vm fallback: provisioning: %w", err)
	}
	logger = logger.WithField("InstanceID", inst.ID())
	logger.Info("fallback instance created")

	// Teardown happens on every exit path below, exactly once.
	defer func() {
		if err := inst.Destroy(); err != nil {
			logger.WithError(err).Error("instance teardown failed, manual cleanup required")
		} else {
			logger.Info("fallback instance destroyed")
		}
	}()

	err = staging.WaitForSentinel(ctx, vm.Store, req.Assets, vm.Timeout, vm.PollInterval, logger)
	if errors.Is(err, staging.ErrSentinelTimeout) {
		return "", ErrVMFallbackTimeout
	}
	if err != nil {
		return "", err
	}

	// The sentinel contract says the output was written first, but a
	// buggy render image is cheaper to catch here than downstream.
	ok, err := vm.Store.Exists(ctx, req.Assets.OutputKey())
	if err != nil {
		return "", fmt.Errorf("vm fallback: checking output: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("vm fallback: sentinel present but output %q missing", req.Assets.OutputKey())
	}
	vm.Events.emit(Event{RequestID: req.RequestID, Kind: EventVMDone, Tier: t.String()})
	return req.Assets.OutputKey(), nil
}

// selectProfile picks the cheapest self-managed tier for the estimated
// duration, using the same cost model that ranks remote tiers. A
// catalog with no self-managed tier falls back to its cpu tier, which
// Catalog.Check guarantees exists.
func (vm *VMFallback) selectProfile(estimated time.Duration) (tier.Tier, error) {
	ranked := vm.Catalog.Rank(estimated)
	for _, t := range ranked {
		if t.SelfManaged {
			return t, nil
		}
	}
	for _, t := range ranked {
		if t.HardwareClass == cloud.HardwareCPU {
			return t, nil
		}
	}
	return tier.Tier{}, errors.New("vm fallback: no usable tier in catalog")
}

// startupPayload is the boot script: pull the render image, download
// the staged inputs, render, upload the output, then write the
// sentinel and power off. Shutdown doubles as teardown because the
// instance is created with terminate-on-shutdown.
func (vm *VMFallback) startupPayload(req RenderRequest) []byte {
	a := req.Assets
	uri := func(key string) string { return "s3://" + vm.Bucket + "/" + key }

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -xe\n")
	b.WriteString("exec > >(tee /var/log/render-startup.log) 2>&1\n")
	b.WriteString("trap poweroff EXIT\n")
	fmt.Fprintf(&b, "docker pull %s\n", vm.ContainerRef)
	b.WriteString("mkdir -p /render/in /render/out\n")
	fmt.Fprintf(&b, "aws s3 cp %s /render/in/story.json\n", uri(a.Story))
	fmt.Fprintf(&b, "aws s3 cp %s /render/in/voiceover.mp3\n", uri(a.Audio))
	for i, img := range a.Images {
		fmt.Fprintf(&b, "aws s3 cp %s /render/in/image_%03d.jpg\n", uri(img), i)
	}
	fmt.Fprintf(&b, "docker run --rm -v /render:/render %s --request-id %s --story /render/in/story.json --audio /render/in/voiceover.mp3 --output /render/out/final.mp4\n",
		vm.ContainerRef, req.RequestID)
	fmt.Fprintf(&b, "aws s3 cp /render/out/final.mp4 %s\n", uri(a.OutputKey()))
	fmt.Fprintf(&b, "date -u +%%FT%%TZ | aws s3 cp - %s\n", uri(a.SentinelKey()))
	return []byte(b.String())
}
