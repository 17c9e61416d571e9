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
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredentialSource struct {
	FetchFn func(ctx context.Context, target Target) (Credential, error)
}

var _ CredentialSource = (*fakeCredentialSource)(nil)

func (f *fakeCredentialSource) Fetch(ctx context.Context, target Target) (Credential, error) {
	if f.FetchFn == nil {
		panic("No function defined")
	}
	return f.FetchFn(ctx, target)
}

type fakeBuilder struct {
	BuildFn func(ctx context.Context, spec BuildSpec) (*ImageArtifact, error)
}

var _ Builder = (*fakeBuilder)(nil)

func (f *fakeBuilder) Build(ctx context.Context, spec BuildSpec) (*ImageArtifact, error) {
	if f.BuildFn == nil {
		panic("No function defined")
	}
	return f.BuildFn(ctx, spec)
}

type fakeAuthenticator struct {
	AuthenticateFn func(ctx context.Context, target Target, cred Credential) (Pusher, error)
}

var _ Authenticator = (*fakeAuthenticator)(nil)

func (f *fakeAuthenticator) Authenticate(ctx context.Context, target Target, cred Credential) (Pusher, error) {
	if f.AuthenticateFn == nil {
		panic("No function defined")
	}
	return f.AuthenticateFn(ctx, target, cred)
}

type fakePusher struct {
	PushFn   func(ctx context.Context, artifact *ImageArtifact, target Target) (PushResult, error)
	VerifyFn func(ctx context.Context, target Target) (digest.Digest, error)
}

var _ Pusher = (*fakePusher)(nil)

func (f *fakePusher) Push(ctx context.Context, artifact *ImageArtifact, target Target) (PushResult, error) {
	if f.PushFn == nil {
		panic("No function defined")
	}
	return f.PushFn(ctx, artifact, target)
}

func (f *fakePusher) Verify(ctx context.Context, target Target) (digest.Digest, error) {
	if f.VerifyFn == nil {
		panic("No function defined")
	}
	return f.VerifyFn(ctx, target)
}

func testCredential() Credential {
	return Credential{
		Principal: "AWS",
		Token:     "token",
		Expiry:    time.Now().Add(time.Hour),
	}
}

func testBuildSpec(t *testing.T) BuildSpec {
	t.Helper()
	return BuildSpec{
		ContextPath: t.TempDir(),
		Platform:    PlatformNative,
		Repository:  "calendly",
	}
}

func recordTransitions(p *Pipeline) *[]State {
	var states []State
	p.Transition = func(_, to State) {
		states = append(states, to)
	}
	return &states
}

func TestPipelineRunHappyPath(t *testing.T) {
	artifact, store := newPushArtifact(t)
	const registryURI = "980921724429.dkr.ecr.us-east-1.amazonaws.com"

	credentials := &fakeCredentialSource{
		FetchFn: func(_ context.Context, target Target) (Credential, error) {
			assert.Equal(t, "980921724429", target.RegistryID)
			assert.Equal(t, "us-east-1", target.Region)
			return testCredential(), nil
		},
	}
	builder := &fakeBuilder{
		BuildFn: func(_ context.Context, spec BuildSpec) (*ImageArtifact, error) {
			assert.Equal(t, "calendly", spec.Repository)
			return artifact, nil
		},
	}
	var pushedTarget Target
	pusher := &fakePusher{
		PushFn: func(_ context.Context, got *ImageArtifact, target Target) (PushResult, error) {
			assert.Same(t, artifact, got)
			pushedTarget = target
			return PushResult{Success: true, PushedDigest: got.Digest}, nil
		},
	}
	registry := &fakeAuthenticator{
		AuthenticateFn: func(_ context.Context, target Target, cred Credential) (Pusher, error) {
			assert.Equal(t, "token", cred.Token)
			assert.Equal(t, "latest", target.Tag)
			return pusher, nil
		},
	}

	pipeline := NewPipeline(credentials, builder, registry)
	states := recordTransitions(pipeline)

	result := pipeline.Run(context.Background(), testBuildSpec(t), registryURI, LatestTag())
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Equal(t, artifact.Digest, result.PushedDigest)
	assert.Equal(t, "980921724429.dkr.ecr.us-east-1.amazonaws.com/calendly:latest", pushedTarget.Canonical())
	assert.Equal(t, StateDone, pipeline.State())
	assert.Equal(t, []State{
		StateInit,
		StateAuthenticating,
		StateBuilding,
		StateTagging,
		StatePushing,
		StateDone,
	}, *states)
	assert.True(t, store.closed, "artifact must be released after the run")
}

func TestPipelineRunInvalidRegistry(t *testing.T) {
	pipeline := NewPipeline(&fakeCredentialSource{}, &fakeBuilder{}, &fakeAuthenticator{})

	result := pipeline.Run(context.Background(), testBuildSpec(t), "docker.io/library", LatestTag())
	require.Error(t, result.Err)
	assert.Equal(t, StateFailed, pipeline.State())

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StageInit, stageErr.Stage)
	var invalid *InvalidArgumentError
	assert.ErrorAs(t, result.Err, &invalid)
}

func TestPipelineRunInvalidContext(t *testing.T) {
	pipeline := NewPipeline(&fakeCredentialSource{}, &fakeBuilder{}, &fakeAuthenticator{})

	spec := BuildSpec{ContextPath: "/nonexistent/build/context", Repository: "calendly"}
	result := pipeline.Run(context.Background(), spec, "980921724429.dkr.ecr.us-east-1.amazonaws.com", LatestTag())
	require.Error(t, result.Err)

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StageInit, stageErr.Stage)
	var contextErr *BuildContextError
	assert.ErrorAs(t, result.Err, &contextErr)
}

func TestPipelineRunCredentialFailureSkipsBuild(t *testing.T) {
	credentials := &fakeCredentialSource{
		FetchFn: func(context.Context, Target) (Credential, error) {
			return Credential{}, &AuthError{Registry: "registry", Cause: errors.New("denied")}
		},
	}
	// builder and registry have no functions wired; reaching them panics
	pipeline := NewPipeline(credentials, &fakeBuilder{}, &fakeAuthenticator{})

	result := pipeline.Run(context.Background(), testBuildSpec(t), "980921724429.dkr.ecr.us-east-1.amazonaws.com", LatestTag())
	require.Error(t, result.Err)
	assert.Equal(t, StateFailed, pipeline.State())

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StageAuthenticate, stageErr.Stage)
}

func TestPipelineRunBuildFailure(t *testing.T) {
	credentials := &fakeCredentialSource{
		FetchFn: func(context.Context, Target) (Credential, error) {
			return testCredential(), nil
		},
	}
	builder := &fakeBuilder{
		BuildFn: func(context.Context, BuildSpec) (*ImageArtifact, error) {
			return nil, &BuildFailure{BuildStage: "Step 3/7 : RUN make", Detail: "exit code 2"}
		},
	}
	pipeline := NewPipeline(credentials, builder, &fakeAuthenticator{})

	result := pipeline.Run(context.Background(), testBuildSpec(t), "980921724429.dkr.ecr.us-east-1.amazonaws.com", LatestTag())
	require.Error(t, result.Err)

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StageBuild, stageErr.Stage)
	var buildErr *BuildFailure
	require.ErrorAs(t, result.Err, &buildErr)
	assert.Equal(t, "Step 3/7 : RUN make", buildErr.BuildStage)
}

func TestPipelineRunAuthenticateFailureSkipsPush(t *testing.T) {
	artifact, store := newPushArtifact(t)
	credentials := &fakeCredentialSource{
		FetchFn: func(context.Context, Target) (Credential, error) {
			return testCredential(), nil
		},
	}
	builder := &fakeBuilder{
		BuildFn: func(context.Context, BuildSpec) (*ImageArtifact, error) {
			return artifact, nil
		},
	}
	registry := &fakeAuthenticator{
		AuthenticateFn: func(context.Context, Target, Credential) (Pusher, error) {
			return nil, &AuthError{Registry: "registry", Cause: errors.New("expired")}
		},
	}
	pipeline := NewPipeline(credentials, builder, registry)

	result := pipeline.Run(context.Background(), testBuildSpec(t), "980921724429.dkr.ecr.us-east-1.amazonaws.com", LatestTag())
	require.Error(t, result.Err)
	assert.Equal(t, StateFailed, pipeline.State())

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StageAuthenticate, stageErr.Stage)
	assert.True(t, store.closed)
}

func TestPipelineRunPushFailure(t *testing.T) {
	artifact, _ := newPushArtifact(t)
	credentials := &fakeCredentialSource{
		FetchFn: func(context.Context, Target) (Credential, error) {
			return testCredential(), nil
		},
	}
	builder := &fakeBuilder{
		BuildFn: func(context.Context, BuildSpec) (*ImageArtifact, error) {
			return artifact, nil
		},
	}
	pushErr := &TransientError{Op: "put image", Attempts: 4, Cause: errors.New("throttled")}
	registry := &fakeAuthenticator{
		AuthenticateFn: func(context.Context, Target, Credential) (Pusher, error) {
			return &fakePusher{
				PushFn: func(context.Context, *ImageArtifact, Target) (PushResult, error) {
					return PushResult{Err: pushErr}, pushErr
				},
			}, nil
		},
	}
	pipeline := NewPipeline(credentials, builder, registry)

	result := pipeline.Run(context.Background(), testBuildSpec(t), "980921724429.dkr.ecr.us-east-1.amazonaws.com", LatestTag())
	require.Error(t, result.Err)
	assert.False(t, result.Success)

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StagePush, stageErr.Stage)
	var transient *TransientError
	assert.ErrorAs(t, result.Err, &transient)
}

func TestPipelineRunCancelledBeforePush(t *testing.T) {
	artifact, _ := newPushArtifact(t)
	credentials := &fakeCredentialSource{
		FetchFn: func(context.Context, Target) (Credential, error) {
			return testCredential(), nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	builder := &fakeBuilder{
		BuildFn: func(context.Context, BuildSpec) (*ImageArtifact, error) {
			cancel()
			return artifact, nil
		},
	}
	// registry has no functions wired; a push attempt after cancellation panics
	pipeline := NewPipeline(credentials, builder, &fakeAuthenticator{})

	result := pipeline.Run(ctx, testBuildSpec(t), "980921724429.dkr.ecr.us-east-1.amazonaws.com", LatestTag())
	require.Error(t, result.Err)

	var stageErr *StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, StagePush, stageErr.Stage)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestPipelineRunImmutablePolicy(t *testing.T) {
	artifact, _ := newPushArtifact(t)
	credentials := &fakeCredentialSource{
		FetchFn: func(context.Context, Target) (Credential, error) {
			return testCredential(), nil
		},
	}
	builder := &fakeBuilder{
		BuildFn: func(context.Context, BuildSpec) (*ImageArtifact, error) {
			return artifact, nil
		},
	}
	registry := &fakeAuthenticator{
		AuthenticateFn: func(_ context.Context, target Target, _ Credential) (Pusher, error) {
			assert.Len(t, target.Tag, immutableTagLength)
			assert.True(t, strings.HasPrefix(artifact.Digest.Encoded(), target.Tag))
			return &fakePusher{
				PushFn: func(_ context.Context, got *ImageArtifact, _ Target) (PushResult, error) {
					return PushResult{Success: true, PushedDigest: got.Digest}, nil
				},
			}, nil
		},
	}
	pipeline := NewPipeline(credentials, builder, registry)

	result := pipeline.Run(context.Background(), testBuildSpec(t), "980921724429.dkr.ecr.us-east-1.amazonaws.com", ImmutableTag())
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
}
