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

// ecr-publish builds a local context into a container image and publishes it
// to an Amazon ECR repository.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/awslabs/amazon-ecr-image-publisher/publish"
	"github.com/awslabs/amazon-ecr-image-publisher/publish/dockerbuild"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitSuccess          = 0
	exitBuildFailure     = 1
	exitAuthFailure      = 2
	exitPushFailure      = 3
	exitInvalidArguments = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		contextPath string
		repository  string
		registryURI string
		platform    string
		tagPolicy   string
		parallelism int
		debug       bool
	)

	cmd := &cobra.Command{
		Use:           "ecr-publish",
		Short:         "Build a local context and push the image to Amazon ECR",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if registryURI == "" {
				return &publish.InvalidArgumentError{
					Argument: "registry",
					Reason:   "must be provided via --registry or ECR_PUBLISH_REGISTRY",
				}
			}
			if repository == "" {
				return &publish.InvalidArgumentError{
					Argument: "repository",
					Reason:   "must be provided via --repository or ECR_PUBLISH_REPOSITORY",
				}
			}
			policy, err := publish.ParseTagPolicy(tagPolicy)
			if err != nil {
				return err
			}
			spec := publish.BuildSpec{
				ContextPath: contextPath,
				Platform:    platform,
				Repository:  repository,
			}
			return publishImage(cmd.Context(), spec, registryURI, policy, parallelism)
		},
	}
	cmd.Flags().StringVar(&contextPath, "context", ".", "Build context directory")
	cmd.Flags().StringVar(&repository, "repository", envOr("ECR_PUBLISH_REPOSITORY", ""), "ECR repository name")
	cmd.Flags().StringVar(&registryURI, "registry", envOr("ECR_PUBLISH_REGISTRY", ""), "ECR registry URI, e.g. 123456789012.dkr.ecr.us-west-2.amazonaws.com")
	cmd.Flags().StringVar(&platform, "platform", envOr("ECR_PUBLISH_PLATFORM", publish.PlatformNative), "Target platform, e.g. linux/amd64")
	cmd.Flags().StringVar(&tagPolicy, "tag-policy", "latest", "Tag policy: latest, immutable, or explicit:<tag>")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Concurrent layer uploads (0 for the default)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ecr-publish: %v\n", err)
		return exitCode(err)
	}
	return exitSuccess
}

func publishImage(ctx context.Context, spec publish.BuildSpec, registryURI string, policy publish.TagPolicy, parallelism int) error {
	awsSession, err := session.NewSession()
	if err != nil {
		return &publish.AuthError{Registry: registryURI, Cause: err}
	}
	builder, err := dockerbuild.NewBuilder()
	if err != nil {
		return &publish.BuildFailure{Detail: err.Error()}
	}

	tracker := newProgressTracker()
	registry, err := publish.NewRegistry(publish.RegistryOptions{
		Session:          awsSession,
		LayerParallelism: parallelism,
		Tracker:          tracker,
	})
	if err != nil {
		return err
	}
	pipeline := publish.NewPipeline(publish.NewCredentialProvider(awsSession), builder, registry)

	progressCtx, stopProgress := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		showProgress(progressCtx, tracker, os.Stdout)
	}()

	result := pipeline.Run(ctx, spec, registryURI, policy)
	stopProgress()
	wg.Wait()

	if result.Err != nil {
		return result.Err
	}
	fmt.Printf("pushed %s@%s\n", registryURI+"/"+spec.Repository, result.PushedDigest)
	return nil
}

// exitCode maps the pipeline error taxonomy onto the documented exit codes.
func exitCode(err error) int {
	var (
		invalidArg *publish.InvalidArgumentError
		buildCtx   *publish.BuildContextError
		buildFail  *publish.BuildFailure
		authErr    *publish.AuthError
		transient  *publish.TransientError
		rejected   *publish.RejectedError
	)
	switch {
	case errors.As(err, &invalidArg):
		return exitInvalidArguments
	case errors.As(err, &buildCtx), errors.As(err, &buildFail):
		return exitBuildFailure
	case errors.As(err, &authErr):
		return exitAuthFailure
	case errors.As(err, &transient), errors.As(err, &rejected):
		return exitPushFailure
	}
	var stageErr *publish.StageError
	if errors.As(err, &stageErr) {
		switch stageErr.Stage {
		case publish.StageInit, publish.StageTag:
			return exitInvalidArguments
		case publish.StageAuthenticate:
			return exitAuthFailure
		case publish.StagePush:
			return exitPushFailure
		}
	}
	return exitBuildFailure
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
