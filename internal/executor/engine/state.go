package engine

import (
	"fmt"

	"execbox/internal/executor/result"
)

var transitions = map[result.State][]result.State{
	result.StateIdle:     {result.StateSpawning},
	result.StateSpawning: {result.StateRunning, result.StateSpawnFailed, result.StateTimedOut},
	result.StateRunning:  {result.StateCompleted, result.StateTimedOut, result.StateSignaled},
}

// machine tracks one run through Idle -> Spawning -> Running -> terminal.
// It is driven by a single goroutine.
type machine struct {
	state result.State
}

func newMachine() *machine {
	return &machine{state: result.StateIdle}
}

func (m *machine) advance(next result.State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal runner transition %s -> %s", m.state, next)
}

func (m *machine) current() result.State {
	return m.state
}
