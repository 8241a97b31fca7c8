// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package staging places render inputs in object storage under a
// job-scoped key prefix, and retrieves render outputs. The executing
// tier (remote job or fallback VM) signals completion by writing a
// sentinel object after the output object is fully written.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// SentinelSuffix is the well-known key suffix written by the executing
// tier only after the output object is fully written.
const SentinelSuffix = "DONE"

var ErrSentinelTimeout = errors.New("sentinel object did not appear before timeout")

// Storage is the object-store surface the orchestrator needs. *Store
// implements it against S3; tests substitute an in-memory map.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// S3Params configures the backing bucket.
type S3Params struct {
	Endpoint        string `json:"Endpoint,omitempty"`
	Region          string `json:"Region"`
	Bucket          string `json:"Bucket"`
	AccessKeyID     string `json:"AccessKeyID,omitempty"`
	SecretAccessKey string `json:"SecretAccessKey,omitempty"`
	UsePathStyle    bool   `json:"UsePathStyle,omitempty"`
}

// Store is an S3-backed Storage.
type Store struct {
	bucket   string
	svc      *s3.Client
	uploader *manager.Uploader
	logger   logrus.FieldLogger
}

// NewStore returns a Store for the configured bucket. When
// AccessKeyID is empty the ambient AWS credential chain is used.
func NewStore(ctx context.Context, params S3Params, logger logrus.FieldLogger) (*Store, error) {
	if params.Bucket == "" {
		return nil, errors.New("storage: Bucket must be provided")
	}
	if params.Region == "" && params.Endpoint == "" {
		return nil, errors.New("storage: Region or Endpoint must be provided")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(params.Region),
	}
	if params.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: loading AWS config: %w", err)
	}
	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
	return &Store{
		bucket:   params.Bucket,
		svc:      svc,
		uploader: manager.NewUploader(svc),
		logger:   logger.WithField("Bucket", params.Bucket),
	}, nil
}

func translateError(err error) error {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return os.ErrNotExist
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return os.ErrNotExist
		}
	}
	return err
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, translateError(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: reading %q: %w", key, err)
	}
	s.logger.WithFields(logrus.Fields{
		"Key":  key,
		"Size": humanize.IBytes(uint64(len(buf))),
	}).Debug("downloaded object")
	return buf, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.svc.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(translateError(err), os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := s3.NewListObjectsV2Paginator(s.svc, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.svc.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return translateError(err)
}

// DeletePrefix removes every object under the given prefix. Used by
// retention cleanup after a request reaches a terminal state.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// An AssetSet is the bundle of input objects for one render request,
// all placed under a request-scoped prefix, plus the keys where the
// output and the completion sentinel will appear.
type AssetSet struct {
	Prefix string   `json:"prefix"`
	Story  string   `json:"story"`
	Audio  string   `json:"audio"`
	Images []string `json:"images"`
}

// NewAssetSet returns the key layout for the given request ID without
// touching storage.
func NewAssetSet(requestID string) AssetSet {
	prefix := "jobs/" + requestID
	return AssetSet{
		Prefix: prefix,
		Story:  prefix + "/story.json",
		Audio:  prefix + "/voiceover.mp3",
	}
}

// InputKeys returns all keys that must exist before execution.
func (a AssetSet) InputKeys() []string {
	keys := []string{a.Story, a.Audio}
	return append(keys, a.Images...)
}

// OutputKey is where the executing tier writes the final video.
func (a AssetSet) OutputKey() string {
	return a.Prefix + "/output/final.mp4"
}

// SentinelKey is written last, and only after OutputKey is complete.
func (a AssetSet) SentinelKey() string {
	return a.Prefix + "/" + SentinelSuffix
}

// Verify returns an error naming the first missing input object, or
// nil if all inputs are present.
func (a AssetSet) Verify(ctx context.Context, s Storage) error {
	for _, key := range a.InputKeys() {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("staging: checking %q: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("staging: input object %q not found", key)
		}
	}
	return nil
}

// Inputs are the raw assets to stage for one request.
type Inputs struct {
	Story  []byte
	Audio  io.Reader
	Images []io.Reader
}

// Stage uploads the inputs under the request's prefix and returns the
// resulting AssetSet. It is called before any execution is attempted;
// job submission itself never uploads.
func Stage(ctx context.Context, s Storage, requestID string, in Inputs) (AssetSet, error) {
	a := NewAssetSet(requestID)
	if err := s.Put(ctx, a.Story, bytes.NewReader(in.Story)); err != nil {
		return AssetSet{}, err
	}
	if in.Audio != nil {
		if err := s.Put(ctx, a.Audio, in.Audio); err != nil {
			return AssetSet{}, err
		}
	}
	for i, img := range in.Images {
		key := fmt.Sprintf("%s/image_%03d.jpg", a.Prefix, i)
		if err := s.Put(ctx, key, img); err != nil {
			return AssetSet{}, err
		}
		a.Images = append(a.Images, key)
	}
	return a, nil
}

// WaitForSentinel polls for the asset set's sentinel object until it
// appears, the timeout elapses, or ctx is cancelled. Transient query
// failures count as "not yet", not as errors.
func WaitForSentinel(ctx context.Context, s Storage, a AssetSet, timeout, interval time.Duration, logger logrus.FieldLogger) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := s.Exists(ctx, a.SentinelKey())
		if err != nil {
			logger.WithError(err).WithField("Key", a.SentinelKey()).Warn("sentinel query failed, still waiting")
		} else if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrSentinelTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
