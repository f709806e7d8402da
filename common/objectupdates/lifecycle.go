package objectupdates

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of one resource's update set
type State string

const (
	StateClean      State = "clean"
	StateDirty      State = "dirty"
	StateSubmitting State = "submitting"
	StateDiscarded  State = "discarded"
)

const (
	eventEdit       = "edit"
	eventSubmit     = "submit"
	eventSucceed    = "succeed"
	eventFail       = "fail"
	eventDiscard    = "discard"
	eventReinstate  = "reinstate"
	eventInitialize = "initialize"
	eventSettle     = "settle"
)

// newLifecycle builds the per-resource machine:
//
//	clean | dirty | discarded -> submitting -> clean | dirty | discarded
//	dirty -> discarded -> dirty (reinstate)
//	any   -> clean (initialize)
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		string(StateClean),
		fsm.Events{
			{Name: eventEdit, Src: []string{string(StateClean), string(StateDiscarded)}, Dst: string(StateDirty)},
			{Name: eventSubmit, Src: []string{string(StateClean), string(StateDirty), string(StateDiscarded)}, Dst: string(StateSubmitting)},
			{Name: eventSucceed, Src: []string{string(StateSubmitting)}, Dst: string(StateClean)},
			{Name: eventFail, Src: []string{string(StateSubmitting)}, Dst: string(StateDirty)},
			{Name: eventDiscard, Src: []string{string(StateDirty)}, Dst: string(StateDiscarded)},
			{Name: eventReinstate, Src: []string{string(StateDiscarded)}, Dst: string(StateDirty)},
			{Name: eventSettle, Src: []string{string(StateDirty), string(StateDiscarded)}, Dst: string(StateClean)},
			{Name: eventInitialize, Src: []string{
				string(StateClean), string(StateDirty), string(StateSubmitting), string(StateDiscarded),
			}, Dst: string(StateClean)},
		},
		fsm.Callbacks{},
	)
}

// fire triggers event when the machine allows it. Self transitions are ignored.
func fire(machine *fsm.FSM, event string) {
	if !machine.Can(event) {
		return
	}
	// NoTransitionError (already in the target state) is the only error possible here
	_ = machine.Event(context.Background(), event)
}
