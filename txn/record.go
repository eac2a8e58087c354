package txn

// RecordKey identifies the logical row behind an in-memory instance. Two
// instances with equal keys represent the same row.
type RecordKey struct {
	Table string
	ID    string
}

// Record is the contract a domain object must satisfy to be enlisted in a
// transaction and receive its resolution callbacks.
type Record interface {
	// Key returns the logical row identity used to deduplicate callback
	// delivery across instances.
	Key() RecordKey

	// TriggerTransactionalCallbacks reports whether the instance opted into
	// transactional callbacks at all.
	TriggerTransactionalCallbacks() bool

	// FirstSavedWins reports the class-level policy that the earliest enlisted
	// instance of a row keeps the callback even when later instances appear.
	FirstSavedWins() bool

	// NewRecordBeforeLastCommit reports whether the instance was known to be a
	// new record when the last commit started.
	NewRecordBeforeLastCommit() bool

	// SetNewRecordBeforeLastCommit propagates the new-record flag onto a later
	// instance so late-discovered rows still fire created semantics.
	SetNewRecordBeforeLastCommit(v bool)

	// Destroyed reports whether the instance represents a deleted row.
	Destroyed() bool

	// BeforeCommitted runs the pre-commit callback.
	BeforeCommitted() error

	// Committed notifies the instance that its transaction committed. When
	// runCallbacks is false the instance only clears its transactional
	// bookkeeping.
	Committed(runCallbacks bool) error

	// RolledBack notifies the instance that its transaction rolled back.
	// forceRestoreState is true only when the whole database transaction was
	// undone, telling the instance to restore its in-memory attribute state.
	RolledBack(forceRestoreState, runCallbacks bool) error
}

// uniqueRecords deduplicates by instance identity, preserving enlistment order.
func uniqueRecords(records []Record) []Record {
	if len(records) < 2 {
		return records
	}
	seen := make(map[Record]struct{}, len(records))
	unique := records[:0:0]
	for _, record := range records {
		if _, dup := seen[record]; dup {
			continue
		}
		seen[record] = struct{}{}
		unique = append(unique, record)
	}
	return unique
}

// callbackInstances elects the single instance per logical row that actually
// receives the callback. Instances are visited in enlistment order; for each
// row the precedence is: instances not opted into transactional callbacks never
// win; under a first-saved-wins class policy the earlier instance keeps the
// callback; an earlier destroyed instance beats a later live one (a row is not
// resurrected); otherwise the latest instance wins, inheriting the earlier
// instance's new-record flag so created semantics survive the handoff.
func callbackInstances(records []Record) map[RecordKey]Record {
	instances := make(map[RecordKey]Record, len(records))
	for _, record := range records {
		if !record.TriggerTransactionalCallbacks() {
			continue
		}
		key := record.Key()
		earlier, ok := instances[key]
		if !ok {
			instances[key] = record
			continue
		}
		if record.FirstSavedWins() {
			continue
		}
		if earlier.Destroyed() && !record.Destroyed() {
			continue
		}
		if earlier.NewRecordBeforeLastCommit() {
			record.SetNewRecordBeforeLastCommit(true)
		}
		instances[key] = record
	}
	return instances
}
