// Package object implements the persistence-and-lifecycle engine of a
// single actor: a versioned key-value store with ordered change capture,
// serialized transactions, and a hibernation state machine driven by an
// external alarm scheduler.
//
// # Execution model
//
// Every actor runs on a single logical thread. All entry points on Actor
// funnel through a run loop that executes one job at a time in arrival
// order; the actor is its own mutex. Internal types (Store, ChangeLog,
// Hibernator) are therefore not safe for direct concurrent use and are
// only ever touched from inside the loop.
//
// # Ordering
//
// One logical clock stamps every mutation. A record's version and its
// change event's sequence come from the same counter, giving every
// mutation across the whole store a unique total order. The counter is
// restored from durable state at startup so it never regresses.
package object
