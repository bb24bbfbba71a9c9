// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "context"

// plan collects the follow-up work of one save. Commit runs once the record
// is persisted (drop the superseded copy, invalidate the cache); Abort runs
// when persisting failed (drop the copy that was just made).
type plan struct {
	commit []func(context.Context)
	abort  []func(context.Context)
}

func (p *plan) onCommit(f func(context.Context)) {
	p.commit = append(p.commit, f)
}

func (p *plan) onAbort(f func(context.Context)) {
	p.abort = append(p.abort, f)
}

func (p *plan) Commit(ctx context.Context) {
	for _, f := range p.commit {
		f(ctx)
	}
}

func (p *plan) Abort(ctx context.Context) {
	for _, f := range p.abort {
		f(ctx)
	}
}
