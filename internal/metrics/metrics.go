// Package metrics defines the pool's instrumentation hooks.
package metrics

import "github.com/bardlex/stratumpool/pkg/circuit"

// Recorder receives pool events worth counting.
type Recorder interface {
	SessionOpened()
	SessionClosed()
	ShareAccepted(difficulty float64)
	ShareRejected(reason string)
	BlockFound(height int64, accepted bool)
	JobBroadcast(clean bool, sessions int)
	DifficultyChanged()
	BreakerStateChanged(name string, state circuit.State)
	QueueDropped(sink string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) SessionOpened()                            {}
func (Noop) SessionClosed()                            {}
func (Noop) ShareAccepted(float64)                     {}
func (Noop) ShareRejected(string)                      {}
func (Noop) BlockFound(int64, bool)                    {}
func (Noop) JobBroadcast(bool, int)                    {}
func (Noop) DifficultyChanged()                        {}
func (Noop) BreakerStateChanged(string, circuit.State) {}
func (Noop) QueueDropped(string)                       {}
