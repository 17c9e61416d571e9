// This file is derived from CNCF's containerd project
// The original code may be found :
// https://github.com/containerd/containerd/blob/v1.0.2/cmd/ctr/commands/content/push.go#L136-L194
// https://github.com/containerd/containerd/blob/v1.0.2/cmd/ctr/commands/content/fetch.go#L103-L316
//
// Copyright 2015 The containerd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications are, where applicable, Copyright 2024 Amazon.com, Inc. or its affiliates.
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/containerd/containerd/pkg/progress"
	"github.com/containerd/containerd/remotes/docker"
	units "github.com/docker/go-units"
)

// progressTracker records the order in which upload refs first appear so the
// display can render them as a stable table.
type progressTracker struct {
	docker.StatusTracker

	mu      sync.Mutex
	ordered []string
	seen    map[string]struct{}
}

func newProgressTracker() *progressTracker {
	return &progressTracker{
		StatusTracker: docker.NewInMemoryTracker(),
		seen:          map[string]struct{}{},
	}
}

func (t *progressTracker) SetStatus(ref string, status docker.Status) {
	t.mu.Lock()
	if _, ok := t.seen[ref]; !ok {
		t.seen[ref] = struct{}{}
		t.ordered = append(t.ordered, ref)
	}
	t.mu.Unlock()
	t.StatusTracker.SetStatus(ref, status)
}

// statusInfo holds the rendering state of a single upload.
type statusInfo struct {
	Ref       string
	Status    string
	Offset    int64
	Total     int64
	StartedAt time.Time
	UpdatedAt time.Time
}

func (t *progressTracker) statuses() []statusInfo {
	t.mu.Lock()
	refs := append([]string(nil), t.ordered...)
	t.mu.Unlock()

	infos := make([]statusInfo, 0, len(refs))
	for _, ref := range refs {
		si := statusInfo{Ref: ref}
		status, err := t.GetStatus(ref)
		if err != nil {
			si.Status = "waiting"
		} else {
			si.Offset = status.Offset
			si.Total = status.Total
			si.StartedAt = status.StartedAt
			si.UpdatedAt = status.UpdatedAt
			switch {
			case status.Offset >= status.Total && status.StartedAt.IsZero():
				si.Status = "exists"
			case status.Offset >= status.Total:
				si.Status = "done"
			default:
				si.Status = "uploading"
			}
		}
		infos = append(infos, si)
	}
	return infos
}

// showProgress redraws the upload table until the context is cancelled, then
// draws one final frame.
func showProgress(ctx context.Context, tracker *progressTracker, out io.Writer) {
	var (
		ticker = time.NewTicker(100 * time.Millisecond)
		fw     = progress.NewWriter(out)
		start  = time.Now()
		done   bool
	)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.Flush()
			tw := tabwriter.NewWriter(fw, 1, 8, 1, ' ', 0)
			display(tw, tracker.statuses(), start)
			tw.Flush()
			if done {
				fw.Flush()
				return
			}
		case <-ctx.Done():
			done = true // allow ui to update once more
		}
	}
}

// display pretty prints the upload progress.
func display(w io.Writer, statuses []statusInfo, start time.Time) {
	var total int64
	for _, status := range statuses {
		total += status.Offset
		switch status.Status {
		case "uploading":
			var bar progress.Bar
			if status.Total > 0.0 {
				bar = progress.Bar(float64(status.Offset) / float64(status.Total))
			}
			fmt.Fprintf(w, "%s:\t%s\t%40r\t%8.8s/%s\t\n",
				status.Ref,
				status.Status,
				bar,
				progress.Bytes(status.Offset), progress.Bytes(status.Total))
		case "waiting":
			bar := progress.Bar(0.0)
			fmt.Fprintf(w, "%s:\t%s\t%40r\t\n",
				status.Ref,
				status.Status,
				bar)
		case "done":
			if status.Total > 0.0 {
				bar := progress.Bar(1.0)
				duration := status.UpdatedAt.Sub(status.StartedAt)
				fmt.Fprintf(w, "%s:\t%s\t%40r\t%s\t%s\t%s\t\n",
					status.Ref,
					status.Status,
					bar,
					progress.Bytes(status.Total),
					units.HumanDuration(duration),
					progress.NewBytesPerSecond(status.Total, duration))
				continue
			}
			fallthrough
		default:
			bar := progress.Bar(1.0)
			fmt.Fprintf(w, "%s:\t%s\t%40r\t\n",
				status.Ref,
				status.Status,
				bar)
		}
	}

	fmt.Fprintf(w, "elapsed: %-4.1fs\ttotal: %7.6v\t(%v)\t\n",
		time.Since(start).Seconds(),
		progress.Bytes(total),
		progress.NewBytesPerSecond(total, time.Since(start)))
}
