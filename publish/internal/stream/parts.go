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

// Package stream splits a blob stream into bounded upload parts.
package stream

import (
	"context"
	"io"
)

// Part is a single contiguous slice of a blob.
type Part struct {
	Bytes  []byte // part content
	Number int64  // part ordinal, starting at 1
	Begin  int64  // offset of the first byte
	End    int64  // offset of the last byte, inclusive
}

// UploadFunc consumes one part.  Invocations are sequential; the next part is
// not delivered until the previous invocation returns.
type UploadFunc func(*Part) error

// Parts reads r into parts of at most partSize bytes and hands each to
// upload.  Reading runs ahead of uploading by up to queueDepth parts so the
// producer is not stalled by upload latency.  It returns the offset of the
// last byte uploaded.
func Parts(ctx context.Context, r io.Reader, partSize, queueDepth int64, upload UploadFunc) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parts := make(chan *Part, queueDepth)
	readErr := make(chan error, 1)

	go func() {
		defer close(parts)
		var offset, number int64
		for {
			buf := make([]byte, partSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				number++
				part := &Part{
					Bytes:  buf[:n],
					Number: number,
					Begin:  offset,
					End:    offset + int64(n) - 1,
				}
				select {
				case parts <- part:
					offset = part.End + 1
				case <-ctx.Done():
					return
				}
			}
			switch err {
			case nil:
			case io.EOF, io.ErrUnexpectedEOF:
				return
			default:
				select {
				case readErr <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	var last int64
	for part := range parts {
		if err := upload(part); err != nil {
			return 0, err
		}
		last = part.End
	}
	select {
	case err := <-readErr:
		return 0, err
	default:
	}
	return last, nil
}
