// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

// journal records inverse closures for every state mutation made while
// a lock tree executes. Reverting to a snapshot replays the closures in
// reverse order, which is the only cancellation mechanism the ledger
// has: there is no partial commit.
type journal struct {
	undos []func()
}

// snapshot marks the current journal length.
func (j *journal) snapshot() int {
	return len(j.undos)
}

// record appends an inverse closure.
func (j *journal) record(undo func()) {
	j.undos = append(j.undos, undo)
}

// revertTo unwinds every mutation made since the snapshot.
func (j *journal) revertTo(snap int) {
	for i := len(j.undos) - 1; i >= snap; i-- {
		j.undos[i]()
	}
	j.undos = j.undos[:snap]
}

// reset discards the journal once a top-level operation has committed.
func (j *journal) reset() {
	j.undos = j.undos[:0]
}
