// Package lease implements lease-based locking over the shared store.
//
// A [Protocol] is bound to one store session, one document and one [Holder]. It acquires,
// renews and releases per-entity leases (drag, resize, text edit) and all-or-nothing group
// leases for multi-object drags. Drag and resize share the transform class, so an entity's
// geometry is claimed by at most one user at a time; text edits form their own class.
//
// There is no central arbiter. Acquire reads the current lease and writes its own only when
// the key is free, already ours, or stale; two clients racing inside that window can both
// believe they won. The visible cost is a transient double cursor, because committed
// geometry is written by the caller before it releases. A store offering compare-and-swap
// would let Acquire close that window.
//
// Leases that outlive their holder are reclaimed two ways: the disconnect hook armed on
// every acquire deletes the key when the session drops, and the [Reaper] deletes entries
// whose last renewal is older than the kind's staleness threshold.
package lease
