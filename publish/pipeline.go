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

	"github.com/containerd/containerd/log"
)

// State is a pipeline lifecycle state.  Transitions only move forward; a run
// that fails in any stage terminates in StateFailed with the originating
// error preserved.
type State string

const (
	StateInit           State = "init"
	StateAuthenticating State = "authenticating"
	StateBuilding       State = "building"
	StateTagging        State = "tagging"
	StatePushing        State = "pushing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// CredentialSource obtains registry credentials for a target.
type CredentialSource interface {
	Fetch(ctx context.Context, target Target) (Credential, error)
}

// Pipeline sequences credential fetch, build, tag resolution, and push into a
// single run with one pass/fail outcome.  A Pipeline is good for one Run: the
// lifecycle states only move forward within that run, and a finished pipeline
// is not reset.  Construct a new Pipeline for each run.
type Pipeline struct {
	Credentials CredentialSource
	Builder     Builder
	Registry    Authenticator

	// Transition, when non-nil, observes every state change.
	Transition func(from, to State)

	state State
}

// NewPipeline wires a pipeline from its three capabilities.
func NewPipeline(credentials CredentialSource, builder Builder, registry Authenticator) *Pipeline {
	return &Pipeline{
		Credentials: credentials,
		Builder:     builder,
		Registry:    registry,
		state:       StateInit,
	}
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	if p.state == "" {
		return StateInit
	}
	return p.state
}

func (p *Pipeline) to(next State) {
	from := p.State()
	p.state = next
	if p.Transition != nil {
		p.Transition(from, next)
	}
}

func (p *Pipeline) fail(ctx context.Context, stage Stage, err error) PushResult {
	p.to(StateFailed)
	wrapped := &StageError{Stage: stage, Err: err}
	log.G(ctx).WithError(err).WithField("stage", stage).Error("publish.pipeline: failed")
	return PushResult{Err: wrapped}
}

// Run executes one publishing run: fetch credentials, build the context into
// an artifact, resolve the push target, and push.  The artifact and its local
// blob store are released on every exit path.  Cancelling the context before
// the push stage leaves no remote side effects.
func (p *Pipeline) Run(ctx context.Context, spec BuildSpec, registryURI string, policy TagPolicy) PushResult {
	p.to(StateInit)
	if err := spec.Validate(); err != nil {
		return p.fail(ctx, StageInit, err)
	}
	registry, err := ParseRegistry(registryURI)
	if err != nil {
		return p.fail(ctx, StageInit, err)
	}
	ctx = log.WithLogger(ctx, log.G(ctx).
		WithField("registry", registry.Registry).
		WithField("repository", spec.Repository))

	p.to(StateAuthenticating)
	cred, err := p.Credentials.Fetch(ctx, registry)
	if err != nil {
		return p.fail(ctx, StageAuthenticate, err)
	}

	p.to(StateBuilding)
	artifact, err := p.Builder.Build(ctx, spec)
	if err != nil {
		return p.fail(ctx, StageBuild, err)
	}
	defer artifact.Close()
	log.G(ctx).
		WithField("digest", artifact.Digest).
		WithField("size", artifact.Size).
		Info("publish.pipeline: built")

	p.to(StateTagging)
	target, err := ResolveTarget(registryURI, spec.Repository, artifact, policy)
	if err != nil {
		return p.fail(ctx, StageTag, err)
	}

	p.to(StatePushing)
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, StagePush, err)
	}
	pusher, err := p.Registry.Authenticate(ctx, target, cred)
	if err != nil {
		return p.fail(ctx, StageAuthenticate, err)
	}
	result, err := pusher.Push(ctx, artifact, target)
	if err != nil {
		return p.fail(ctx, StagePush, err)
	}

	p.to(StateDone)
	log.G(ctx).
		WithField("ref", target.Canonical()).
		WithField("digest", result.PushedDigest).
		Info("publish.pipeline: pushed")
	return result
}
