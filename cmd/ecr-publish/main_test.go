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

package main

import (
	"testing"

	"github.com/awslabs/amazon-ecr-image-publisher/publish"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		code int
	}{
		{
			name: "invalid argument",
			err:  &publish.InvalidArgumentError{Argument: "registry", Reason: "missing"},
			code: exitInvalidArguments,
		},
		{
			name: "invalid argument inside stage error",
			err: &publish.StageError{
				Stage: publish.StageInit,
				Err:   &publish.InvalidArgumentError{Argument: "registry", Reason: "missing"},
			},
			code: exitInvalidArguments,
		},
		{
			name: "build context",
			err:  &publish.BuildContextError{Path: "/ctx", Cause: errors.New("no such directory")},
			code: exitBuildFailure,
		},
		{
			name: "build failure",
			err: &publish.StageError{
				Stage: publish.StageBuild,
				Err:   &publish.BuildFailure{BuildStage: "Step 2/3 : RUN make", Detail: "exit 2"},
			},
			code: exitBuildFailure,
		},
		{
			name: "auth failure",
			err: &publish.StageError{
				Stage: publish.StageAuthenticate,
				Err:   &publish.AuthError{Registry: "registry", Cause: errors.New("denied")},
			},
			code: exitAuthFailure,
		},
		{
			name: "transient push failure",
			err: &publish.StageError{
				Stage: publish.StagePush,
				Err:   &publish.TransientError{Op: "put image", Attempts: 4, Cause: errors.New("throttled")},
			},
			code: exitPushFailure,
		},
		{
			name: "rejected push",
			err:  &publish.RejectedError{Op: "push layer", Cause: errors.New("repository not found")},
			code: exitPushFailure,
		},
		{
			name: "tag stage fallback",
			err:  &publish.StageError{Stage: publish.StageTag, Err: errors.New("bad tag")},
			code: exitInvalidArguments,
		},
		{
			name: "push stage fallback",
			err:  &publish.StageError{Stage: publish.StagePush, Err: errors.New("boom")},
			code: exitPushFailure,
		},
		{
			name: "unclassified",
			err:  errors.New("boom"),
			code: exitBuildFailure,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, exitCode(tc.err))
		})
	}
}

func TestRunRejectsMissingRegistry(t *testing.T) {
	t.Setenv("ECR_PUBLISH_REGISTRY", "")
	code := run([]string{"--repository", "calendly", "--context", t.TempDir()})
	assert.Equal(t, exitInvalidArguments, code)
}

func TestRunRejectsMissingRepository(t *testing.T) {
	t.Setenv("ECR_PUBLISH_REPOSITORY", "")
	code := run([]string{"--registry", "980921724429.dkr.ecr.us-east-1.amazonaws.com", "--context", t.TempDir()})
	assert.Equal(t, exitInvalidArguments, code)
}

func TestRunRejectsBadTagPolicy(t *testing.T) {
	code := run([]string{
		"--registry", "980921724429.dkr.ecr.us-east-1.amazonaws.com",
		"--repository", "calendly",
		"--tag-policy", "sometimes",
		"--context", t.TempDir(),
	})
	assert.Equal(t, exitInvalidArguments, code)
}
