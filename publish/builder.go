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
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// PlatformNative requests an image for the build host's own platform.
const PlatformNative = "native"

// BuildSpec describes a requested image build.  A BuildSpec is immutable once
// created.
type BuildSpec struct {
	// ContextPath is the local directory used as the build context.
	ContextPath string
	// Platform is the target platform, e.g. "linux/amd64", or
	// PlatformNative for the build host's platform.
	Platform string
	// Repository is the repository name the image will be published under.
	Repository string
}

// Validate checks that the build context exists and is a readable directory
// and that the repository name is well formed.
func (s BuildSpec) Validate() error {
	info, err := os.Stat(s.ContextPath)
	if err != nil {
		return &BuildContextError{Path: s.ContextPath, Cause: err}
	}
	if !info.IsDir() {
		return &BuildContextError{
			Path:  s.ContextPath,
			Cause: errors.New("not a directory"),
		}
	}
	dir, err := os.Open(s.ContextPath)
	if err != nil {
		return &BuildContextError{Path: s.ContextPath, Cause: err}
	}
	dir.Close()
	if !repositoryRe.MatchString(s.Repository) {
		return &InvalidArgumentError{
			Argument: "repository",
			Value:    s.Repository,
			Reason:   "invalid repository name",
		}
	}
	return nil
}

// BlobProvider gives access to the content-addressed blobs of a built image.
type BlobProvider interface {
	// Blob returns a reader for the blob with the given digest along with
	// its size.
	Blob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error)
	// Close releases the provider's local resources.
	Close() error
}

// ImageArtifact is a locally built image, ready to push.  It is owned by a
// single pipeline run and must be closed when the run ends, whether the push
// succeeded or not.
type ImageArtifact struct {
	// LocalID is the build backend's identifier for the image.
	LocalID string
	// Digest is the content-derived digest of the image manifest.  It is
	// computed from the manifest bytes, never supplied by a caller.
	Digest digest.Digest
	// Size is the total size in bytes of the manifest, config, and layers.
	Size int64
	// Manifest is the decoded image manifest.
	Manifest ocispec.Manifest
	// RawManifest is the exact manifest bytes the digest was computed over.
	RawManifest []byte

	blobs BlobProvider
}

// NewImageArtifact assembles an artifact from manifest bytes and a blob
// provider.  The digest is derived from the raw manifest content.
func NewImageArtifact(localID string, rawManifest []byte, manifest ocispec.Manifest, blobs BlobProvider) *ImageArtifact {
	size := int64(len(rawManifest)) + manifest.Config.Size
	for _, layer := range manifest.Layers {
		size += layer.Size
	}
	return &ImageArtifact{
		LocalID:     localID,
		Digest:      digest.FromBytes(rawManifest),
		Size:        size,
		Manifest:    manifest,
		RawManifest: rawManifest,
		blobs:       blobs,
	}
}

// Blobs lists the config and layer descriptors that must be present in the
// registry before the manifest can be pushed.
func (a *ImageArtifact) Blobs() []ocispec.Descriptor {
	descs := make([]ocispec.Descriptor, 0, len(a.Manifest.Layers)+1)
	descs = append(descs, a.Manifest.Config)
	descs = append(descs, a.Manifest.Layers...)
	return descs
}

// Blob returns a reader for one of the artifact's blobs.
func (a *ImageArtifact) Blob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	if a.blobs == nil {
		return nil, 0, errors.Errorf("artifact %s has no blob provider", a.Digest)
	}
	return a.blobs.Blob(ctx, dgst)
}

// Close discards the artifact's local blob store.
func (a *ImageArtifact) Close() error {
	if a.blobs == nil {
		return nil
	}
	return a.blobs.Close()
}

// Builder produces an image artifact from a build spec.  Implementations
// wrap a build backend such as the Docker daemon.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (*ImageArtifact, error)
}
