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
	"net"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/containerd/containerd/log"
	"github.com/pkg/errors"
)

// RetryPolicy bounds how transient failures are retried.  Retries are
// explicit bounded iteration with an injectable sleeper so tests run
// deterministically without waiting.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration
	// Factor multiplies the delay after each retry.
	Factor int64
	// Sleep waits for the given duration or until the context is done.
	// Nil means a real clock.
	Sleep func(context.Context, time.Duration) error
}

// DefaultRetryPolicy matches the documented push behavior: up to 3 retries
// with exponential backoff starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Factor:     2,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn, retrying transient failures per the policy.  Non-transient
// errors return immediately.  When the retry budget is exhausted the last
// error is wrapped in a TransientError carrying the attempt count.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	delay := p.BaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			break
		}
		log.G(ctx).
			WithError(err).
			WithField("op", op).
			WithField("attempt", attempt+1).
			WithField("delay", delay).
			Debug("publish.retry: transient failure")
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= time.Duration(p.Factor)
	}
	return &TransientError{Op: op, Attempts: p.MaxRetries + 1, Cause: err}
}

// Transient reports whether an error is a retryable network failure:
// throttles, server-side 5xx responses, timeouts, and reset connections.
// Client errors, including authentication failures, are never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		return rf.StatusCode() >= 500 || rf.StatusCode() == 429
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case ecr.ErrCodeServerException, request.ErrCodeRequestError, request.ErrCodeResponseTimeout:
			return true
		}
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
