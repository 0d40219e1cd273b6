// Package util contains small data structures shared by the storage layer.
//
// The package contains:
//   - MapHeap: a generic min-heap with key based access, used to schedule
//     expirations of kv entries (and with them lock leases)
//   - LockFreeMPSC: an unbounded lock-free multi-producer single-consumer queue
//     that hands events to a single consumer goroutine (kv sweeper, change
//     notifier)
//   - SizeHistogram: a cheap summary of document sizes
//
// None of the types depend on the rest of the module.
package util
