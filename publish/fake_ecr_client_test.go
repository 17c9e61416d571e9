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
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ecr"
)

// fakeECRClient is a fake that can be used for testing the ecrAPI interface.
// Each method is backed by a function contained in the struct.  Nil functions
// will cause panics when invoked.
type fakeECRClient struct {
	DescribeRepositoriesFn        func(aws.Context, *ecr.DescribeRepositoriesInput, ...request.Option) (*ecr.DescribeRepositoriesOutput, error)
	BatchGetImageFn               func(aws.Context, *ecr.BatchGetImageInput, ...request.Option) (*ecr.BatchGetImageOutput, error)
	BatchCheckLayerAvailabilityFn func(aws.Context, *ecr.BatchCheckLayerAvailabilityInput, ...request.Option) (*ecr.BatchCheckLayerAvailabilityOutput, error)
	InitiateLayerUploadFn         func(aws.Context, *ecr.InitiateLayerUploadInput, ...request.Option) (*ecr.InitiateLayerUploadOutput, error)
	UploadLayerPartFn             func(aws.Context, *ecr.UploadLayerPartInput, ...request.Option) (*ecr.UploadLayerPartOutput, error)
	CompleteLayerUploadFn         func(aws.Context, *ecr.CompleteLayerUploadInput, ...request.Option) (*ecr.CompleteLayerUploadOutput, error)
	PutImageFn                    func(aws.Context, *ecr.PutImageInput, ...request.Option) (*ecr.PutImageOutput, error)
}

var _ ecrAPI = (*fakeECRClient)(nil)

func (f *fakeECRClient) DescribeRepositoriesWithContext(ctx aws.Context, arg *ecr.DescribeRepositoriesInput, opts ...request.Option) (*ecr.DescribeRepositoriesOutput, error) {
	return f.DescribeRepositoriesFn(ctx, arg, opts...)
}

func (f *fakeECRClient) BatchGetImageWithContext(ctx aws.Context, arg *ecr.BatchGetImageInput, opts ...request.Option) (*ecr.BatchGetImageOutput, error) {
	return f.BatchGetImageFn(ctx, arg, opts...)
}

func (f *fakeECRClient) BatchCheckLayerAvailabilityWithContext(ctx aws.Context, arg *ecr.BatchCheckLayerAvailabilityInput, opts ...request.Option) (*ecr.BatchCheckLayerAvailabilityOutput, error) {
	return f.BatchCheckLayerAvailabilityFn(ctx, arg, opts...)
}

func (f *fakeECRClient) InitiateLayerUploadWithContext(ctx aws.Context, arg *ecr.InitiateLayerUploadInput, opts ...request.Option) (*ecr.InitiateLayerUploadOutput, error) {
	return f.InitiateLayerUploadFn(ctx, arg, opts...)
}

func (f *fakeECRClient) UploadLayerPartWithContext(ctx aws.Context, arg *ecr.UploadLayerPartInput, opts ...request.Option) (*ecr.UploadLayerPartOutput, error) {
	return f.UploadLayerPartFn(ctx, arg, opts...)
}

func (f *fakeECRClient) CompleteLayerUploadWithContext(ctx aws.Context, arg *ecr.CompleteLayerUploadInput, opts ...request.Option) (*ecr.CompleteLayerUploadOutput, error) {
	return f.CompleteLayerUploadFn(ctx, arg, opts...)
}

func (f *fakeECRClient) PutImageWithContext(ctx aws.Context, arg *ecr.PutImageInput, opts ...request.Option) (*ecr.PutImageOutput, error) {
	return f.PutImageFn(ctx, arg, opts...)
}

// fakeTokenClient is a fake for the tokenAPI interface used by the credential
// provider.
type fakeTokenClient struct {
	GetAuthorizationTokenFn func(aws.Context, *ecr.GetAuthorizationTokenInput, ...request.Option) (*ecr.GetAuthorizationTokenOutput, error)
}

var _ tokenAPI = (*fakeTokenClient)(nil)

func (f *fakeTokenClient) GetAuthorizationTokenWithContext(ctx aws.Context, arg *ecr.GetAuthorizationTokenInput, opts ...request.Option) (*ecr.GetAuthorizationTokenOutput, error) {
	return f.GetAuthorizationTokenFn(ctx, arg, opts...)
}
