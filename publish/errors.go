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
	"fmt"
)

// Stage identifies which part of the pipeline an error originated from.
type Stage string

const (
	StageInit         Stage = "init"
	StageAuthenticate Stage = "authenticate"
	StageBuild        Stage = "build"
	StageTag          Stage = "tag"
	StagePush         Stage = "push"
)

// StageError wraps an error with the pipeline stage it originated from.  The
// underlying error is preserved verbatim and can be inspected with errors.Is
// and errors.As.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("publish: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// InvalidArgumentError indicates malformed caller input, such as a registry
// URI that does not name an ECR registry or an invalid tag.  It is never
// retried.
type InvalidArgumentError struct {
	Argument string
	Value    string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Argument, e.Value, e.Reason)
}

// BuildContextError indicates the build context path does not exist or cannot
// be read.
type BuildContextError struct {
	Path  string
	Cause error
}

func (e *BuildContextError) Error() string {
	return fmt.Sprintf("build context %q: %v", e.Path, e.Cause)
}

func (e *BuildContextError) Unwrap() error {
	return e.Cause
}

// BuildFailure indicates the build backend failed while producing the image.
// BuildStage preserves the backend-reported stage (e.g. the Dockerfile step)
// that failed.
type BuildFailure struct {
	BuildStage string
	Detail     string
}

func (e *BuildFailure) Error() string {
	if e.BuildStage == "" {
		return fmt.Sprintf("build failed: %s", e.Detail)
	}
	return fmt.Sprintf("build failed at %q: %s", e.BuildStage, e.Detail)
}

// AuthError indicates the registry rejected or could not issue credentials.
// The caller must obtain fresh credentials before re-attempting the run; it
// is never retried internally.
type AuthError struct {
	Registry string
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Registry, e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// TransientError indicates a retryable network failure that persisted after
// the configured retry budget was exhausted.
type TransientError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// RejectedError indicates the registry rejected the request with a client
// error that will not succeed on retry, such as a missing repository or a
// policy denial.
type RejectedError struct {
	Op    string
	Cause error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by registry: %v", e.Op, e.Cause)
}

func (e *RejectedError) Unwrap() error {
	return e.Cause
}
