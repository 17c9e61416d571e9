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
	"encoding/base64"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/containerd/containerd/log"
	"github.com/pkg/errors"
)

// expiryMargin is how close to expiry a cached credential may be before it is
// re-fetched.  The margin must exceed the expected duration of a push so a
// credential handed out here does not expire mid-transfer.
const expiryMargin = time.Minute

// Credential is a short-lived registry credential.  The token is a secret: it
// must never be logged or persisted beyond the lifetime of the process.
type Credential struct {
	// Principal is the username half of the credential.
	Principal string
	// Token is the password half of the credential.
	Token string
	// Expiry is when the credential stops being valid.
	Expiry time.Time
	// Endpoint is the registry endpoint the credential was issued for,
	// with query values redacted.
	Endpoint string
}

// Expired reports whether the credential is expired, or will be within the
// expiry margin, at the given time.
func (c Credential) Expired(now time.Time) bool {
	return !now.Add(expiryMargin).Before(c.Expiry)
}

// tokenAPI is the subset of the ECR API used to obtain credentials.
type tokenAPI interface {
	GetAuthorizationTokenWithContext(aws.Context, *ecr.GetAuthorizationTokenInput, ...request.Option) (*ecr.GetAuthorizationTokenOutput, error)
}

// CredentialProvider obtains short-lived registry credentials from ECR and
// caches them per registry for the lifetime of the process.  The cache has an
// explicit teardown via Invalidate; there is no implicit global state.
type CredentialProvider struct {
	session     *session.Session
	clientsLock sync.Mutex
	clients     map[string]tokenAPI

	cacheLock sync.Mutex
	cache     map[string]Credential

	now func() time.Time
}

// NewCredentialProvider creates a provider backed by the given AWS session.
func NewCredentialProvider(awsSession *session.Session) *CredentialProvider {
	return &CredentialProvider{
		session: awsSession,
		clients: map[string]tokenAPI{},
		cache:   map[string]Credential{},
		now:     time.Now,
	}
}

func (p *CredentialProvider) getClient(region string) tokenAPI {
	p.clientsLock.Lock()
	defer p.clientsLock.Unlock()
	if _, ok := p.clients[region]; !ok {
		p.clients[region] = ecr.New(p.session, &aws.Config{Region: aws.String(region)})
	}
	return p.clients[region]
}

// Fetch returns a credential for the target's registry, reusing a cached one
// when it is not within the expiry margin.
func (p *CredentialProvider) Fetch(ctx context.Context, target Target) (Credential, error) {
	p.cacheLock.Lock()
	cached, ok := p.cache[target.RegistryID]
	p.cacheLock.Unlock()
	if ok && !cached.Expired(p.now()) {
		log.G(ctx).WithField("registry", target.Registry).Debug("publish.credentials: cache hit")
		return cached, nil
	}

	input := &ecr.GetAuthorizationTokenInput{}
	output, err := p.getClient(target.Region).GetAuthorizationTokenWithContext(ctx, input)
	if err != nil {
		return Credential{}, &AuthError{
			Registry: target.Registry,
			Cause:    errors.Wrap(err, "failed to get authorization token"),
		}
	}
	if len(output.AuthorizationData) == 0 {
		return Credential{}, &AuthError{
			Registry: target.Registry,
			Cause:    errors.New("no authorization data returned"),
		}
	}

	cred, err := decodeAuthorizationData(output.AuthorizationData[0])
	if err != nil {
		return Credential{}, &AuthError{Registry: target.Registry, Cause: err}
	}
	log.G(ctx).
		WithField("registry", target.Registry).
		WithField("expiry", cred.Expiry).
		Debug("publish.credentials: fetched")

	p.cacheLock.Lock()
	p.cache[target.RegistryID] = cred
	p.cacheLock.Unlock()
	return cred, nil
}

// Invalidate drops any cached credential for the registry.
func (p *CredentialProvider) Invalidate(registryID string) {
	p.cacheLock.Lock()
	defer p.cacheLock.Unlock()
	delete(p.cache, registryID)
}

func decodeAuthorizationData(data *ecr.AuthorizationData) (Credential, error) {
	decoded, err := base64.StdEncoding.DecodeString(aws.StringValue(data.AuthorizationToken))
	if err != nil {
		return Credential{}, errors.Wrap(err, "malformed authorization token")
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return Credential{}, errors.New("malformed authorization token")
	}
	return Credential{
		Principal: parts[0],
		Token:     parts[1],
		Expiry:    aws.TimeValue(data.ExpiresAt),
		Endpoint:  redactQueryValues(aws.StringValue(data.ProxyEndpoint)),
	}, nil
}

// redactQueryValues strips query values from a URL before it is logged, to
// avoid leaking encoded credentials or tokens.
func redactQueryValues(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}
	if query := parsed.Query(); len(query) > 0 {
		for k := range query {
			query.Set(k, "redacted")
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.Redacted()
}
