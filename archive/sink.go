// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package archive stores chat transcripts.
//
// Transcripts are written by a Sink.
// TCPSink sends them to a Server, a line oriented service that appends them to
// files, and RedisSink pushes them onto Redis lists.
package archive // import "mellium.im/jabber/archive"

import (
	"context"
	"time"
)

// DefaultAddr is the address the transcript server listens on by default.
const DefaultAddr = "localhost:9119"

// TimeLayout is appended to the label of every transcript.
const TimeLayout = "2006_01_02_15_04_05"

// A Sink archives a transcript as a single unit.
type Sink interface {
	ArchiveTranscript(ctx context.Context, label string, lines []string) error
}

// Name returns the name a transcript with the given label is stored under.
func Name(label string, t time.Time) string {
	return label + "_" + t.Format(TimeLayout)
}

func now(f func() time.Time) time.Time {
	if f != nil {
		return f()
	}
	return time.Now()
}
