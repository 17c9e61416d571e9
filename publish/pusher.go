/*
 * Copyright 2024 Amazon.com, Inc. or its affiliates. All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"). You
 * may not use this file except in compliance with the License. A copy of
 * the License is located at
 *
 * 	http://aws.amazon.com/apache2.0/
 *
 * or in the "license" file accompanying this file. This file is
 * distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF
 * ANY KIND, either express or implied. See the License for the specific
 * language governing permissions and limitations under the License.
 */

package publish

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/awslabs/amazon-ecr-image-publisher/publish/internal/stream"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/remotes"
	"github.com/containerd/containerd/remotes/docker"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultLayerParallelism bounds how many layers upload concurrently.
	defaultLayerParallelism = 4
	// partQueueDepth is how many upload parts may be buffered ahead of the
	// in-flight UploadLayerPart call.
	partQueueDepth = 5
	// fallbackPartSize is used when InitiateLayerUpload returns no part
	// size.  A non-positive part size would stall the part stream.
	fallbackPartSize = 10 * 1024 * 1024
)

var (
	errImageNotFound = errors.New("publish: image not found")
	errLayerNotFound = errors.New("publish: layer not found")
)

// PushResult is the terminal outcome of a push or a pipeline run.
type PushResult struct {
	Success      bool
	PushedDigest digest.Digest
	Err          error
}

// Pusher transfers a built artifact to a registry and can verify what the
// registry holds under a tag.
type Pusher interface {
	Push(ctx context.Context, artifact *ImageArtifact, target Target) (PushResult, error)
	Verify(ctx context.Context, target Target) (digest.Digest, error)
}

// Authenticator establishes authenticated registry sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, target Target, cred Credential) (Pusher, error)
}

// ecrAPI contains only the ECR APIs that are called by the registry client.
// See https://docs.aws.amazon.com/sdk-for-go/api/service/ecr/ecriface/ for
// the full interface from the SDK.
type ecrAPI interface {
	DescribeRepositoriesWithContext(aws.Context, *ecr.DescribeRepositoriesInput, ...request.Option) (*ecr.DescribeRepositoriesOutput, error)
	BatchGetImageWithContext(aws.Context, *ecr.BatchGetImageInput, ...request.Option) (*ecr.BatchGetImageOutput, error)
	BatchCheckLayerAvailabilityWithContext(aws.Context, *ecr.BatchCheckLayerAvailabilityInput, ...request.Option) (*ecr.BatchCheckLayerAvailabilityOutput, error)
	InitiateLayerUploadWithContext(aws.Context, *ecr.InitiateLayerUploadInput, ...request.Option) (*ecr.InitiateLayerUploadOutput, error)
	UploadLayerPartWithContext(aws.Context, *ecr.UploadLayerPartInput, ...request.Option) (*ecr.UploadLayerPartOutput, error)
	CompleteLayerUploadWithContext(aws.Context, *ecr.CompleteLayerUploadInput, ...request.Option) (*ecr.CompleteLayerUploadOutput, error)
	PutImageWithContext(aws.Context, *ecr.PutImageInput, ...request.Option) (*ecr.PutImageOutput, error)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Session is the AWS session used to construct per-region clients.
	Session *session.Session
	// Retry bounds transient-failure retries.  Zero value means the
	// default policy.
	Retry RetryPolicy
	// LayerParallelism bounds concurrent layer uploads.  Zero means the
	// default of 4.
	LayerParallelism int
	// Tracker receives upload progress.  Nil means an in-memory tracker.
	Tracker docker.StatusTracker
}

// Registry is a client for pushing images to Amazon ECR registries.
type Registry struct {
	session     *session.Session
	clientsLock sync.Mutex
	clients     map[string]ecrAPI

	retry       RetryPolicy
	parallelism int
	tracker     docker.StatusTracker
	now         func() time.Time
}

// NewRegistry creates a Registry from options.
func NewRegistry(options RegistryOptions) (*Registry, error) {
	if options.Session == nil {
		return nil, errors.New("publish: session is required")
	}
	retry := options.Retry
	if retry.MaxRetries == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryPolicy()
	}
	parallelism := options.LayerParallelism
	if parallelism <= 0 {
		parallelism = defaultLayerParallelism
	}
	tracker := options.Tracker
	if tracker == nil {
		tracker = docker.NewInMemoryTracker()
	}
	return &Registry{
		session:     options.Session,
		clients:     map[string]ecrAPI{},
		retry:       retry,
		parallelism: parallelism,
		tracker:     tracker,
		now:         time.Now,
	}, nil
}

func (r *Registry) getClient(region string) ecrAPI {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	if _, ok := r.clients[region]; !ok {
		r.clients[region] = ecr.New(r.session, &aws.Config{Region: aws.String(region)})
	}
	return r.clients[region]
}

// Authenticate validates the credential and the reachability of the target
// repository and returns a session bound to them.  An expired credential or
// an unreachable registry produces an AuthError; a missing repository
// produces a RejectedError.  Registry calls on this transport are SigV4
// signed by the AWS session, so the credential's token is never presented on
// the wire; only its expiry gates the session.
func (r *Registry) Authenticate(ctx context.Context, target Target, cred Credential) (Pusher, error) {
	if cred.Expired(r.now()) {
		return nil, &AuthError{
			Registry: target.Registry,
			Cause:    errors.Errorf("credential expired at %s", cred.Expiry),
		}
	}
	client := r.getClient(target.Region)
	err := r.retry.Do(ctx, "describe repository", func() error {
		_, err := client.DescribeRepositoriesWithContext(ctx, &ecr.DescribeRepositoriesInput{
			RegistryId:      aws.String(target.RegistryID),
			RepositoryNames: []*string{aws.String(target.Repository)},
		})
		return err
	})
	if err != nil {
		if classified := classify("describe repository", target, err); classified != err {
			return nil, classified
		}
		var terr *TransientError
		if errors.As(err, &terr) {
			return nil, &AuthError{
				Registry: target.Registry,
				Cause:    errors.Wrap(err, "registry unreachable"),
			}
		}
		return nil, err
	}
	log.G(ctx).
		WithField("registry", target.Registry).
		WithField("repository", target.Repository).
		Debug("publish.registry: authenticated")
	return &pushSession{
		client:      client,
		retry:       r.retry,
		parallelism: r.parallelism,
		tracker:     r.tracker,
	}, nil
}

// pushSession implements Pusher against a single registry and credential.
type pushSession struct {
	client      ecrAPI
	retry       RetryPolicy
	parallelism int
	tracker     docker.StatusTracker
}

var _ Pusher = (*pushSession)(nil)

// Push transfers the artifact's blobs and then its manifest.  Pushing a
// digest the registry already holds under the target tag is a no-op success.
// Layer uploads run concurrently up to the configured bound; the manifest is
// put strictly after every layer upload has succeeded.
func (s *pushSession) Push(ctx context.Context, artifact *ImageArtifact, target Target) (PushResult, error) {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("ref", target.Canonical()))
	log.G(ctx).WithField("digest", artifact.Digest).Debug("publish.push")

	existing, err := s.manifestDigest(ctx, target)
	switch {
	case err == nil && existing == artifact.Digest:
		log.G(ctx).Debug("publish.push: content already on remote")
		s.markExists(ctx, s.manifestDescriptor(artifact))
		return PushResult{Success: true, PushedDigest: artifact.Digest}, nil
	case err != nil && !errors.Is(err, errImageNotFound):
		err = classify("check manifest", target, err)
		return PushResult{Err: err}, err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.parallelism)
	for _, desc := range artifact.Blobs() {
		desc := desc
		eg.Go(func() error {
			return s.pushBlob(gctx, artifact, target, desc)
		})
	}
	if err := eg.Wait(); err != nil {
		err = classify("push layer", target, err)
		return PushResult{Err: err}, err
	}

	if err := s.putManifest(ctx, artifact, target); err != nil {
		// A cancellation racing the manifest put leaves the remote
		// state unknown; report what the registry actually holds.
		if ctx.Err() != nil {
			verified, verr := s.Verify(context.WithoutCancel(ctx), target)
			if verr == nil && verified == artifact.Digest {
				return PushResult{Success: true, PushedDigest: artifact.Digest}, nil
			}
		}
		err = classify("put manifest", target, err)
		return PushResult{Err: err}, err
	}
	return PushResult{Success: true, PushedDigest: artifact.Digest}, nil
}

// Verify queries the registry for the digest currently held under the
// target's tag.
func (s *pushSession) Verify(ctx context.Context, target Target) (digest.Digest, error) {
	dgst, err := s.manifestDigest(ctx, target)
	if err != nil {
		return "", err
	}
	return dgst, nil
}

// manifestDigest looks up the manifest the registry holds for the target tag.
// Returns errImageNotFound when the tag does not exist.
func (s *pushSession) manifestDigest(ctx context.Context, target Target) (digest.Digest, error) {
	var output *ecr.BatchGetImageOutput
	err := s.retry.Do(ctx, "batch get image", func() error {
		var err error
		output, err = s.client.BatchGetImageWithContext(ctx, &ecr.BatchGetImageInput{
			RegistryId:     aws.String(target.RegistryID),
			RepositoryName: aws.String(target.Repository),
			ImageIds:       []*ecr.ImageIdentifier{target.ImageID()},
			AcceptedMediaTypes: []*string{
				aws.String(ocispec.MediaTypeImageManifest),
				aws.String(images.MediaTypeDockerSchema2Manifest),
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if len(output.Images) == 0 {
		if len(output.Failures) > 0 &&
			aws.StringValue(output.Failures[0].FailureCode) == ecr.ImageFailureCodeImageNotFound {
			return "", errImageNotFound
		}
		log.G(ctx).
			WithField("failures", output.Failures).
			Warn("publish.push: unexpected image lookup failure")
		return "", errImageNotFound
	}
	return digest.Digest(aws.StringValue(output.Images[0].ImageId.ImageDigest)), nil
}

func (s *pushSession) pushBlob(ctx context.Context, artifact *ImageArtifact, target Target, desc ocispec.Descriptor) error {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("digest", desc.Digest))
	available, err := s.checkBlobAvailability(ctx, target, desc)
	if err != nil {
		log.G(ctx).WithError(err).Error("publish.push.blob: failed to check availability")
		return err
	}
	if available {
		log.G(ctx).Debug("publish.push.blob: content already on remote")
		s.markExists(ctx, desc)
		return nil
	}

	ref := s.markStarted(ctx, desc)
	uploadID, partSize, err := s.initiateUpload(ctx, target)
	if err != nil {
		return err
	}

	blob, _, err := artifact.Blob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	defer blob.Close()

	_, err = stream.Parts(ctx, blob, partSize, partQueueDepth, func(part *stream.Part) error {
		uploadErr := s.retry.Do(ctx, "upload layer part", func() error {
			_, err := s.client.UploadLayerPartWithContext(ctx, &ecr.UploadLayerPartInput{
				RegistryId:     aws.String(target.RegistryID),
				RepositoryName: aws.String(target.Repository),
				UploadId:       aws.String(uploadID),
				PartFirstByte:  aws.Int64(part.Begin),
				PartLastByte:   aws.Int64(part.End),
				LayerPartBlob:  part.Bytes,
			})
			return err
		})
		if uploadErr != nil {
			return uploadErr
		}
		s.updateOffset(ref, desc, part.End+1)
		return nil
	})
	if err != nil {
		return err
	}

	return s.completeUpload(ctx, target, uploadID, desc)
}

func (s *pushSession) checkBlobAvailability(ctx context.Context, target Target, desc ocispec.Descriptor) (bool, error) {
	var output *ecr.BatchCheckLayerAvailabilityOutput
	err := s.retry.Do(ctx, "check layer availability", func() error {
		var err error
		output, err = s.client.BatchCheckLayerAvailabilityWithContext(ctx, &ecr.BatchCheckLayerAvailabilityInput{
			RegistryId:     aws.String(target.RegistryID),
			RepositoryName: aws.String(target.Repository),
			LayerDigests:   []*string{aws.String(desc.Digest.String())},
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if len(output.Layers) == 0 {
		if len(output.Failures) > 0 {
			return false, errLayerNotFound
		}
		return false, errors.New("publish: empty layer availability response")
	}
	return aws.StringValue(output.Layers[0].LayerAvailability) == ecr.LayerAvailabilityAvailable, nil
}

func (s *pushSession) initiateUpload(ctx context.Context, target Target) (uploadID string, partSize int64, err error) {
	var output *ecr.InitiateLayerUploadOutput
	err = s.retry.Do(ctx, "initiate layer upload", func() error {
		var err error
		output, err = s.client.InitiateLayerUploadWithContext(ctx, &ecr.InitiateLayerUploadInput{
			RegistryId:     aws.String(target.RegistryID),
			RepositoryName: aws.String(target.Repository),
		})
		return err
	})
	if err != nil {
		return "", 0, err
	}
	partSize = aws.Int64Value(output.PartSize)
	if partSize <= 0 {
		partSize = fallbackPartSize
	}
	return aws.StringValue(output.UploadId), partSize, nil
}

func (s *pushSession) completeUpload(ctx context.Context, target Target, uploadID string, desc ocispec.Descriptor) error {
	var output *ecr.CompleteLayerUploadOutput
	err := s.retry.Do(ctx, "complete layer upload", func() error {
		var err error
		output, err = s.client.CompleteLayerUploadWithContext(ctx, &ecr.CompleteLayerUploadInput{
			RegistryId:     aws.String(target.RegistryID),
			RepositoryName: aws.String(target.Repository),
			UploadId:       aws.String(uploadID),
			LayerDigests:   []*string{aws.String(desc.Digest.String())},
		})
		return err
	})
	if err != nil {
		// A concurrent push may land the same layer first.  ECR does
		// not return the digest in that case, but it has validated a
		// sha256 digest against the content, so treat this as success
		// for sha256 and fail for anything unvalidated.
		var aerr awserr.Error
		if errors.As(err, &aerr) &&
			aerr.Code() == ecr.ErrCodeLayerAlreadyExistsException &&
			strings.HasPrefix(desc.Digest.String(), "sha256:") {
			log.G(ctx).Debug("publish.push.blob: layer already exists")
			s.updateOffset("", desc, desc.Size)
			return nil
		}
		return err
	}
	actual := aws.StringValue(output.LayerDigest)
	if actual != desc.Digest.String() {
		return errors.Errorf("publish: uploaded layer digest %s does not match %s", actual, desc.Digest)
	}
	s.updateOffset("", desc, desc.Size)
	log.G(ctx).Debug("publish.push.blob: uploaded")
	return nil
}

func (s *pushSession) putManifest(ctx context.Context, artifact *ImageArtifact, target Target) error {
	desc := s.manifestDescriptor(artifact)
	s.markStarted(ctx, desc)
	var output *ecr.PutImageOutput
	err := s.retry.Do(ctx, "put image", func() error {
		var err error
		output, err = s.client.PutImageWithContext(ctx, &ecr.PutImageInput{
			RegistryId:             aws.String(target.RegistryID),
			RepositoryName:         aws.String(target.Repository),
			ImageTag:               aws.String(target.Tag),
			ImageManifest:          aws.String(string(artifact.RawManifest)),
			ImageManifestMediaType: aws.String(desc.MediaType),
		})
		return err
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ecr.ErrCodeImageAlreadyExistsException {
			log.G(ctx).Debug("publish.push.manifest: image already exists")
			s.updateOffset("", desc, desc.Size)
			return nil
		}
		return errors.Wrapf(err, "publish: failed to put manifest %s", target.Canonical())
	}
	if output == nil || output.Image == nil || output.Image.ImageId == nil {
		return errors.Errorf("publish: put manifest returned no image: %s", target.Canonical())
	}
	actual := aws.StringValue(output.Image.ImageId.ImageDigest)
	if actual != artifact.Digest.String() {
		return errors.Errorf("publish: got manifest digest %s, expected %s", actual, artifact.Digest)
	}
	s.updateOffset("", desc, desc.Size)
	log.G(ctx).WithField("digest", actual).Info("publish.push.manifest: pushed")
	return nil
}

func (s *pushSession) manifestDescriptor(artifact *ImageArtifact) ocispec.Descriptor {
	mediaType := artifact.Manifest.MediaType
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageManifest
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    artifact.Digest,
		Size:      int64(len(artifact.RawManifest)),
	}
}

func (s *pushSession) markExists(ctx context.Context, desc ocispec.Descriptor) {
	ref := remotes.MakeRefKey(ctx, desc)
	s.tracker.SetStatus(ref, docker.Status{
		Status: content.Status{
			Ref:       ref,
			Offset:    desc.Size,
			Total:     desc.Size,
			UpdatedAt: time.Now(),
		},
	})
}

func (s *pushSession) markStarted(ctx context.Context, desc ocispec.Descriptor) string {
	ref := remotes.MakeRefKey(ctx, desc)
	s.tracker.SetStatus(ref, docker.Status{
		Status: content.Status{
			Ref:       ref,
			Total:     desc.Size,
			Expected:  desc.Digest,
			StartedAt: time.Now(),
		},
	})
	return ref
}

func (s *pushSession) updateOffset(ref string, desc ocispec.Descriptor, offset int64) {
	if ref == "" {
		ref = remotes.MakeRefKey(context.Background(), desc)
	}
	status, err := s.tracker.GetStatus(ref)
	if err != nil {
		status = docker.Status{Status: content.Status{
			Ref:      ref,
			Total:    desc.Size,
			Expected: desc.Digest,
		}}
	}
	if offset > status.Total {
		offset = status.Total
	}
	status.Offset = offset
	status.UpdatedAt = time.Now()
	s.tracker.SetStatus(ref, status)
}

// classify maps raw AWS failures onto the pipeline's error taxonomy.  Errors
// it does not recognize pass through unchanged.
func classify(op string, target Target, err error) error {
	if err == nil {
		return nil
	}
	var terr *TransientError
	if errors.As(err, &terr) {
		return err
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case "AccessDeniedException", "UnrecognizedClientException",
		"ExpiredTokenException", "InvalidSignatureException":
		return &AuthError{Registry: target.Registry, Cause: err}
	case ecr.ErrCodeRepositoryNotFoundException,
		ecr.ErrCodeInvalidParameterException,
		ecr.ErrCodeImageTagAlreadyExistsException,
		ecr.ErrCodeLayerPartTooSmallException,
		ecr.ErrCodeInvalidLayerException,
		ecr.ErrCodeInvalidLayerPartException,
		ecr.ErrCodeUploadNotFoundException,
		ecr.ErrCodeLimitExceededException,
		ecr.ErrCodeKmsException:
		return &RejectedError{Op: op, Cause: err}
	}
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() >= 400 && rf.StatusCode() < 500 {
		return &RejectedError{Op: op, Cause: err}
	}
	return err
}
