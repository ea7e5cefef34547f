package srs

import "sync/atomic"

// Reloadable holds the current Rewriter and lets configuration reloads swap
// it without coordinating with in-flight messages.
type Reloadable struct {
	cur atomic.Pointer[Rewriter]
}

// NewReloadable returns a Reloadable serving r.
func NewReloadable(r *Rewriter) *Reloadable {
	rl := &Reloadable{}
	rl.cur.Store(r)
	return rl
}

// Store replaces the active Rewriter.
func (rl *Reloadable) Store(r *Rewriter) {
	rl.cur.Store(r)
}

// Current returns the active Rewriter.
func (rl *Reloadable) Current() *Rewriter {
	return rl.cur.Load()
}

func (rl *Reloadable) Rewrite(local, host string) (string, error) {
	return rl.cur.Load().Rewrite(local, host)
}

func (rl *Reloadable) SenderDomain() string {
	return rl.cur.Load().SenderDomain()
}

func (rl *Reloadable) Reverse(local string) (string, string, error) {
	return rl.cur.Load().Reverse(local)
}
