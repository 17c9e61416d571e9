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

// Package dockerbuild implements the publish.Builder interface on top of the
// Docker daemon.  Built images are exported through the daemon's OCI layout
// stream so the pipeline pushes exactly the content the daemon produced.
package dockerbuild

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/awslabs/amazon-ecr-image-publisher/publish"
	"github.com/containerd/containerd/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/locker"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// dockerAPI is the subset of the Docker client used by the builder.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageSave(ctx context.Context, imageIDs []string) (io.ReadCloser, error)
}

// Builder builds images with the Docker daemon.
type Builder struct {
	client dockerAPI
	locks  *locker.Locker
}

var _ publish.Builder = (*Builder)(nil)

// NewBuilder creates a builder connected to the daemon named by the standard
// DOCKER_HOST environment.
func NewBuilder() (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "dockerbuild: failed to create client")
	}
	return NewBuilderWithClient(cli), nil
}

// NewBuilderWithClient creates a builder around an existing client.
func NewBuilderWithClient(api dockerAPI) *Builder {
	return &Builder{
		client: api,
		locks:  locker.New(),
	}
}

// Build tars the context, drives the daemon build, and exports the result as
// an artifact whose digest is derived from the built manifest bytes.
// Identical build contexts are serialized on a per-content-hash lock so the
// same content is never built twice concurrently.
func (b *Builder) Build(ctx context.Context, spec publish.BuildSpec) (*publish.ImageArtifact, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	contextFile, contextDigest, err := b.packContext(spec.ContextPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		contextFile.Close()
		os.Remove(contextFile.Name())
	}()

	b.locks.Lock(contextDigest.String())
	defer b.locks.Unlock(contextDigest.String())

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("context", contextDigest))
	log.G(ctx).WithField("platform", spec.Platform).Debug("dockerbuild: building")

	localID, err := b.runBuild(ctx, contextFile, spec)
	if err != nil {
		return nil, err
	}

	return b.export(ctx, localID)
}

// packContext tars the build context into a temporary file, hashing the
// stream as it goes.  The hash keys the duplicate-build lock.
func (b *Builder) packContext(contextPath string) (*os.File, digest.Digest, error) {
	tarStream, err := archive.TarWithOptions(contextPath, &archive.TarOptions{})
	if err != nil {
		return nil, "", &publish.BuildContextError{Path: contextPath, Cause: err}
	}
	defer tarStream.Close()

	tmp, err := os.CreateTemp("", "ecr-publish-context-*.tar")
	if err != nil {
		return nil, "", errors.Wrap(err, "dockerbuild: failed to stage context")
	}
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), tarStream); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", &publish.BuildContextError{Path: contextPath, Cause: err}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", errors.Wrap(err, "dockerbuild: failed to rewind context")
	}
	return tmp, digester.Digest(), nil
}

func (b *Builder) runBuild(ctx context.Context, buildContext io.Reader, spec publish.BuildSpec) (string, error) {
	platform := spec.Platform
	if platform == publish.PlatformNative {
		platform = ""
	}
	response, err := b.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Platform:    platform,
	})
	if err != nil {
		return "", &publish.BuildFailure{Detail: err.Error()}
	}
	defer response.Body.Close()

	return decodeBuildStream(ctx, response.Body)
}

// decodeBuildStream consumes the daemon's JSON message stream, tracking the
// most recent Dockerfile step so a failure can report the stage it happened
// in, and returns the built image ID from the stream's aux message.
func decodeBuildStream(ctx context.Context, body io.Reader) (string, error) {
	var (
		localID  string
		lastStep string
	)
	decoder := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", &publish.BuildFailure{
				BuildStage: lastStep,
				Detail:     errors.Wrap(err, "malformed build output").Error(),
			}
		}
		if msg.Error != nil {
			return "", &publish.BuildFailure{
				BuildStage: lastStep,
				Detail:     msg.Error.Message,
			}
		}
		if stream := strings.TrimSpace(msg.Stream); stream != "" {
			if strings.HasPrefix(stream, "Step ") {
				lastStep = stream
			}
			log.G(ctx).WithField("output", stream).Debug("dockerbuild: build")
		}
		if msg.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
				localID = aux.ID
			}
		}
	}
	if localID == "" {
		return "", &publish.BuildFailure{
			BuildStage: lastStep,
			Detail:     "build produced no image ID",
		}
	}
	return localID, nil
}

// export saves the built image through the daemon and loads its OCI layout
// into a local blob store backing the artifact.
func (b *Builder) export(ctx context.Context, localID string) (*publish.ImageArtifact, error) {
	saved, err := b.client.ImageSave(ctx, []string{localID})
	if err != nil {
		return nil, &publish.BuildFailure{
			BuildStage: "export",
			Detail:     err.Error(),
		}
	}
	defer saved.Close()

	store, err := newLayoutStore(saved)
	if err != nil {
		return nil, &publish.BuildFailure{
			BuildStage: "export",
			Detail:     err.Error(),
		}
	}
	rawManifest, manifest, err := store.resolveManifest()
	if err != nil {
		store.Close()
		return nil, &publish.BuildFailure{
			BuildStage: "export",
			Detail:     err.Error(),
		}
	}

	artifact := publish.NewImageArtifact(localID, rawManifest, manifest, store)
	log.G(ctx).
		WithField("image", localID).
		WithField("digest", artifact.Digest).
		Debug("dockerbuild: exported")
	return artifact, nil
}
