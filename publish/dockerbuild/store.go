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

package dockerbuild

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/awslabs/amazon-ecr-image-publisher/publish"
	"github.com/containerd/containerd/images"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// attestationRefType marks BuildKit attestation manifests inside an index;
// those are not the image being published.
const attestationRefType = "attestation-manifest"

// layoutStore holds the blobs of a saved image in a temporary directory and
// serves them by digest.  It implements publish.BlobProvider.
type layoutStore struct {
	root  string
	index ocispec.Index
}

var _ publish.BlobProvider = (*layoutStore)(nil)

// newLayoutStore extracts an OCI layout tar stream, as produced by the
// daemon's image save, into a fresh temporary directory.
func newLayoutStore(r io.Reader) (*layoutStore, error) {
	root, err := os.MkdirTemp("", "ecr-publish-layout-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create blob store")
	}
	store := &layoutStore{root: root}
	if err := store.ingest(r); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (s *layoutStore) ingest(r io.Reader) error {
	sawIndex := false
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "corrupt image export")
		}
		name := path.Clean(strings.TrimPrefix(header.Name, "./"))
		switch {
		case name == ocispec.ImageIndexFile:
			if err := json.NewDecoder(tr).Decode(&s.index); err != nil {
				return errors.Wrap(err, "malformed image index")
			}
			sawIndex = true
		case strings.HasPrefix(name, ocispec.ImageBlobsDir+"/") && header.Typeflag == tar.TypeReg:
			parts := strings.Split(name, "/")
			if len(parts) != 3 {
				continue
			}
			dgst := digest.NewDigestFromEncoded(digest.Algorithm(parts[1]), parts[2])
			if err := dgst.Validate(); err != nil {
				return errors.Wrapf(err, "invalid blob name %q", name)
			}
			if err := s.writeBlob(dgst, tr); err != nil {
				return err
			}
		}
	}
	if !sawIndex {
		return errors.New("image export has no OCI index; daemon too old to export OCI layouts")
	}
	return nil
}

func (s *layoutStore) writeBlob(dgst digest.Digest, r io.Reader) error {
	dir := filepath.Join(s.root, dgst.Algorithm().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create blob dir")
	}
	f, err := os.Create(filepath.Join(dir, dgst.Encoded()))
	if err != nil {
		return errors.Wrap(err, "failed to create blob file")
	}
	defer f.Close()
	verifier := dgst.Verifier()
	if _, err := io.Copy(io.MultiWriter(f, verifier), r); err != nil {
		return errors.Wrapf(err, "failed to write blob %s", dgst)
	}
	if !verifier.Verified() {
		return errors.Errorf("blob %s does not match its digest", dgst)
	}
	return nil
}

func (s *layoutStore) blobPath(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", errors.Wrapf(err, "invalid digest %q", dgst)
	}
	return filepath.Join(s.root, dgst.Algorithm().String(), dgst.Encoded()), nil
}

func (s *layoutStore) readBlob(dgst digest.Digest) ([]byte, error) {
	p, err := s.blobPath(dgst)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "missing blob %s", dgst)
	}
	return b, nil
}

// Blob returns a reader for the blob with the given digest.
func (s *layoutStore) Blob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	p, err := s.blobPath(dgst)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "missing blob %s", dgst)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Close removes the store's temporary directory.
func (s *layoutStore) Close() error {
	return os.RemoveAll(s.root)
}

// resolveManifest walks from the layout index to the single image manifest
// being published, unwrapping one level of nested index and skipping
// attestation manifests.  The returned bytes are exactly the stored manifest
// content, so digests derived from them match the layout.
func (s *layoutStore) resolveManifest() ([]byte, ocispec.Manifest, error) {
	desc, err := s.imageManifestDescriptor(s.index.Manifests)
	if err != nil {
		return nil, ocispec.Manifest{}, err
	}

	if images.IsIndexType(desc.MediaType) {
		raw, err := s.readBlob(desc.Digest)
		if err != nil {
			return nil, ocispec.Manifest{}, err
		}
		var nested ocispec.Index
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, ocispec.Manifest{}, errors.Wrap(err, "malformed nested index")
		}
		desc, err = s.imageManifestDescriptor(nested.Manifests)
		if err != nil {
			return nil, ocispec.Manifest{}, err
		}
	}

	raw, err := s.readBlob(desc.Digest)
	if err != nil {
		return nil, ocispec.Manifest{}, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, ocispec.Manifest{}, errors.Wrap(err, "malformed image manifest")
	}

	// every referenced blob must have been exported
	for _, blob := range append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...) {
		if _, err := s.readBlob(blob.Digest); err != nil {
			return nil, ocispec.Manifest{}, err
		}
	}
	return raw, manifest, nil
}

func (s *layoutStore) imageManifestDescriptor(descs []ocispec.Descriptor) (ocispec.Descriptor, error) {
	for _, desc := range descs {
		if desc.Annotations["vnd.docker.reference.type"] == attestationRefType {
			continue
		}
		if images.IsManifestType(desc.MediaType) || images.IsIndexType(desc.MediaType) {
			return desc, nil
		}
	}
	return ocispec.Descriptor{}, errors.New("image export contains no image manifest")
}
