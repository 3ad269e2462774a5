// Package hoist exposes the transfer engine's entry points.
package hoist

import (
	"github.com/adamwoolhether/hoist/transfer"
)

// New builds a transfer handle for url, reporting events to delegate.
// It's just a convenience wrapper around [transfer.New].
func New(url string, delegate transfer.Delegate, opts ...transfer.Option) (*transfer.Handle, error) {
	return transfer.New(url, delegate, opts...)
}

// NewScheduler builds and starts a scheduler for servicing handles.
// It's just a convenience wrapper around [transfer.NewScheduler].
func NewScheduler(opts ...transfer.SchedulerOption) *transfer.Scheduler {
	return transfer.NewScheduler(opts...)
}
