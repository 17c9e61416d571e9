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

package stream

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartsSplitsExactMultiple(t *testing.T) {
	content := []byte("0123456789abcdef")
	var got []*Part
	last, err := Parts(context.Background(), bytes.NewReader(content), 4, 2, func(part *Part) error {
		got = append(got, part)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(content)-1, last)
	require.Len(t, got, 4)
	for i, part := range got {
		assert.EqualValues(t, i+1, part.Number)
		assert.EqualValues(t, i*4, part.Begin)
		assert.EqualValues(t, i*4+3, part.End)
		assert.Equal(t, content[part.Begin:part.End+1], part.Bytes)
	}
}

func TestPartsSplitsWithRemainder(t *testing.T) {
	content := []byte("0123456789")
	var got []*Part
	last, err := Parts(context.Background(), bytes.NewReader(content), 4, 2, func(part *Part) error {
		got = append(got, part)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(content)-1, last)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("89"), got[2].Bytes)
	assert.EqualValues(t, 8, got[2].Begin)
	assert.EqualValues(t, 9, got[2].End)
}

func TestPartsReassemble(t *testing.T) {
	content := []byte(strings.Repeat("blob content ", 100))
	var assembled bytes.Buffer
	last, err := Parts(context.Background(), bytes.NewReader(content), 64, 5, func(part *Part) error {
		assert.EqualValues(t, assembled.Len(), part.Begin)
		assembled.Write(part.Bytes)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(content)-1, last)
	assert.Equal(t, content, assembled.Bytes())
}

func TestPartsEmptyReader(t *testing.T) {
	last, err := Parts(context.Background(), bytes.NewReader(nil), 4, 2, func(*Part) error {
		t.Fatal("upload must not be called for empty input")
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, last)
}

func TestPartsUploadErrorAborts(t *testing.T) {
	uploadErr := errors.New("upload failed")
	calls := 0
	_, err := Parts(context.Background(), bytes.NewReader(make([]byte, 1024)), 4, 2, func(*Part) error {
		calls++
		return uploadErr
	})
	assert.Equal(t, uploadErr, err)
	assert.Equal(t, 1, calls, "no parts delivered after a failed upload")
}

func TestPartsReadErrorPropagates(t *testing.T) {
	readErr := errors.New("read failed")
	r := io.MultiReader(bytes.NewReader([]byte("0123")), &failingReader{err: readErr})
	var got []*Part
	_, err := Parts(context.Background(), r, 4, 2, func(part *Part) error {
		got = append(got, part)
		return nil
	})
	assert.Equal(t, readErr, err)
	assert.Len(t, got, 1, "parts before the failure are still delivered")
}

func TestPartsContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Parts(ctx, bytes.NewReader(make([]byte, 1024)), 4, 2, func(*Part) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}
