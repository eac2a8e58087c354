package txn

// stateOutcome is the finalization outcome of one transaction scope.
type stateOutcome int8

const (
	stateNone stateOutcome = iota
	stateCommitted
	stateFullyCommitted
	stateRolledBack
	stateFullyRolledBack
	stateInvalidated
)

// State tracks the finalization outcome of a single transaction and links to the
// states of every transaction nested on top of it. Rolling back or invalidating a
// scope must cascade to the nested scopes built on it even when their physical
// savepoints were never individually released, which is why a parent keeps
// non-owning references to its children's states.
type State struct {
	outcome  stateOutcome
	children []*State
}

// NewState returns a State with no outcome set.
func NewState() *State {
	return &State{}
}

// AddChild appends a nested transaction's state. Cascading operations visit
// children in insertion order.
func (s *State) AddChild(child *State) {
	s.children = append(s.children, child)
}

// Committed reports whether the scope resolved successfully, at either the
// savepoint level or the database level.
func (s *State) Committed() bool {
	return s.outcome == stateCommitted || s.outcome == stateFullyCommitted
}

// RolledBack reports whether the scope resolved as failed, at either the
// savepoint level or the database level.
func (s *State) RolledBack() bool {
	return s.outcome == stateRolledBack || s.outcome == stateFullyRolledBack
}

// FullyCommitted reports the definitive database-level commit outcome. Only the
// outermost transaction ever reaches it.
func (s *State) FullyCommitted() bool {
	return s.outcome == stateFullyCommitted
}

// FullyRolledBack reports the definitive database-level rollback outcome. Only
// the outermost transaction ever reaches it.
func (s *State) FullyRolledBack() bool {
	return s.outcome == stateFullyRolledBack
}

// Invalidated reports whether an ancestor failure has foreclosed committing
// this scope.
func (s *State) Invalidated() bool {
	return s.outcome == stateInvalidated
}

// Completed reports whether the scope has reached any terminal outcome.
func (s *State) Completed() bool {
	return s.Committed() || s.RolledBack()
}

// Commit records the savepoint-level success of this scope. Children are not
// cascaded: each nested scope is resolved by its own transaction.
func (s *State) Commit() {
	s.outcome = stateCommitted
}

// FullCommit records the definitive database-level commit of the outermost scope.
func (s *State) FullCommit() {
	s.outcome = stateFullyCommitted
}

// Rollback cascades to every child depth-first, then records the savepoint-level
// rollback of this scope.
func (s *State) Rollback() {
	for _, child := range s.children {
		child.Rollback()
	}
	s.outcome = stateRolledBack
}

// FullRollback cascades to every child depth-first, then records the definitive
// database-level rollback of the outermost scope.
func (s *State) FullRollback() {
	for _, child := range s.children {
		child.FullRollback()
	}
	s.outcome = stateFullyRolledBack
}

// Invalidate cascades to every child depth-first, then marks this scope as no
// longer committable.
func (s *State) Invalidate() {
	for _, child := range s.children {
		child.Invalidate()
	}
	s.outcome = stateInvalidated
}

// Nullify resets the outcome to unset. Used only when an already-open physical
// transaction is reused for a new logical scope, so the previous scope's outcome
// does not leak into the new one.
func (s *State) Nullify() {
	s.outcome = stateNone
}
