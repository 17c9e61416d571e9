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

// Package publish implements a client-side image publishing pipeline for
// Amazon ECR: build a local context into an image, resolve a deterministic
// tag, authenticate, and push.
//
// Pipeline
//
// A run moves through a fixed sequence of stages: credentials are fetched,
// the build backend produces an artifact with a content-derived digest, the
// tag policy resolves the fully-qualified target from that digest, and the
// registry client transfers any layers the registry is missing before
// putting the manifest.  A failure in any stage terminates the run; partial
// transfers are never reported as success.
//
// Targets
//
// Push targets name an ECR registry by its URI, e.g.
// "123456789012.dkr.ecr.us-west-2.amazonaws.com", plus a repository and a
// tag computed by one of three policies: latest, immutable (digest-derived),
// or an explicit caller-supplied tag.
//
// License
//
// This package is licensed under the Apache 2.0 license.
package publish
