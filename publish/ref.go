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
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
)

const (
	tagDelimiter        = ":"
	repositoryDelimiter = "/"
	schemeDelimiter     = "://"

	// immutableTagLength is the number of digest hex characters used for
	// tags produced by the immutable tag policy.
	immutableTagLength = 12
)

var (
	// registryRe matches ECR registry URIs of the form
	// <account>.dkr.ecr.<region>.amazonaws.com
	registryRe = regexp.MustCompile(`^(\d{12})\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com$`)

	// repositoryRe matches the repository naming rules enforced by ECR.
	repositoryRe = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)

	// tagRe matches valid image tags.
	tagRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)
)

// Target identifies a tagged image location in a remote registry.  A Target
// is immutable once resolved.
type Target struct {
	// Registry is the registry host, e.g.
	// "123456789012.dkr.ecr.us-west-2.amazonaws.com".
	Registry string
	// RegistryID is the AWS account ID owning the registry.
	RegistryID string
	// Region is the AWS region the registry lives in.
	Region string
	// Repository is the repository name within the registry.
	Repository string
	// Tag is the resolved tag label.
	Tag string
}

// ParseRegistry parses an ECR registry URI into a Target with the registry
// fields populated.  A scheme prefix is tolerated and stripped.
func ParseRegistry(uri string) (Target, error) {
	host := uri
	if i := strings.Index(host, schemeDelimiter); i >= 0 {
		host = host[i+len(schemeDelimiter):]
	}
	host = strings.TrimSuffix(host, repositoryDelimiter)
	matches := registryRe.FindStringSubmatch(host)
	if matches == nil {
		return Target{}, &InvalidArgumentError{
			Argument: "registry",
			Value:    uri,
			Reason:   "not an ECR registry URI",
		}
	}
	return Target{
		Registry:   host,
		RegistryID: matches[1],
		Region:     matches[2],
	}, nil
}

// Canonical returns the fully-qualified image reference for the target.
func (t Target) Canonical() string {
	return t.Registry + repositoryDelimiter + t.Repository + tagDelimiter + t.Tag
}

func (t Target) String() string {
	return t.Canonical()
}

// ImageID returns an ecr.ImageIdentifier for the target's tag, suitable for
// use in calls to ECR.
func (t Target) ImageID() *ecr.ImageIdentifier {
	return &ecr.ImageIdentifier{
		ImageTag: aws.String(t.Tag),
	}
}

type policyKind int

const (
	policyLatest policyKind = iota
	policyImmutable
	policyExplicit
)

// TagPolicy determines how the tag label of a Target is computed from a built
// artifact.
type TagPolicy struct {
	kind     policyKind
	explicit string
}

// LatestTag always produces the "latest" tag, overwriting any prior image
// published under it.
func LatestTag() TagPolicy {
	return TagPolicy{kind: policyLatest}
}

// ImmutableTag produces a tag derived from the artifact digest, so distinct
// artifacts never collide.
func ImmutableTag() TagPolicy {
	return TagPolicy{kind: policyImmutable}
}

// ExplicitTag produces the caller-supplied tag.
func ExplicitTag(tag string) TagPolicy {
	return TagPolicy{kind: policyExplicit, explicit: tag}
}

// ParseTagPolicy parses the CLI form of a tag policy: "latest", "immutable",
// or "explicit:<tag>".
func ParseTagPolicy(s string) (TagPolicy, error) {
	switch {
	case s == "" || s == "latest":
		return LatestTag(), nil
	case s == "immutable":
		return ImmutableTag(), nil
	case strings.HasPrefix(s, "explicit"+tagDelimiter):
		tag := s[len("explicit"+tagDelimiter):]
		if !tagRe.MatchString(tag) {
			return TagPolicy{}, &InvalidArgumentError{
				Argument: "tag-policy",
				Value:    s,
				Reason:   "invalid explicit tag",
			}
		}
		return ExplicitTag(tag), nil
	}
	return TagPolicy{}, &InvalidArgumentError{
		Argument: "tag-policy",
		Value:    s,
		Reason:   "must be latest, immutable, or explicit:<tag>",
	}
}

func (p TagPolicy) String() string {
	switch p.kind {
	case policyImmutable:
		return "immutable"
	case policyExplicit:
		return "explicit" + tagDelimiter + p.explicit
	default:
		return "latest"
	}
}

func (p TagPolicy) tag(artifact *ImageArtifact) (string, error) {
	switch p.kind {
	case policyLatest:
		return "latest", nil
	case policyImmutable:
		encoded := artifact.Digest.Encoded()
		if len(encoded) > immutableTagLength {
			encoded = encoded[:immutableTagLength]
		}
		return encoded, nil
	case policyExplicit:
		return p.explicit, nil
	}
	return "", &InvalidArgumentError{
		Argument: "tag-policy",
		Value:    p.String(),
		Reason:   "unknown policy",
	}
}

// ResolveTarget computes the fully-qualified push target for an artifact.  It
// is a pure function: the same inputs always produce the same Target.  The
// artifact must already be built; under the immutable policy the tag is
// derived from the artifact's content digest so a tag can never be computed
// before the content it names is known.
func ResolveTarget(registryURI, repository string, artifact *ImageArtifact, policy TagPolicy) (Target, error) {
	target, err := ParseRegistry(registryURI)
	if err != nil {
		return Target{}, err
	}
	if !repositoryRe.MatchString(repository) {
		return Target{}, &InvalidArgumentError{
			Argument: "repository",
			Value:    repository,
			Reason:   "invalid repository name",
		}
	}
	tag, err := policy.tag(artifact)
	if err != nil {
		return Target{}, err
	}
	if !tagRe.MatchString(tag) {
		return Target{}, &InvalidArgumentError{
			Argument: "tag",
			Value:    tag,
			Reason:   "invalid tag",
		}
	}
	target.Repository = repository
	target.Tag = tag
	return target, nil
}
