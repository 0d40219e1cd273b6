// Package lockmgr implements named locks on top of a kv.IKeyValue. It has no
// state of its own, so any number of lock managers can share one store, and
// a manager backed by the rpc client locks across processes.
//
// Implementation Approach:
//
//	- Lock Acquisition: a Set with kv.OnlyIfVacant stores a random owner ID
//	  under the lock key in the "_locks" namespace. Only the caller whose Set
//	  inserted the key holds the lock.
//
//	- Timeouts: a ttl > 0 is passed on as the entry's expiration, so the lock
//	  is released even if its holder crashes.
//
//	- Safe Release: ReleaseLock deletes the key only if it still holds the
//	  caller's owner ID (kv CompareAndDelete).
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager(db.KeyValue())
//
//	acquired, ownerID, err := locks.AcquireLock(ctx, "resource:123", 30*time.Second)
//	if err != nil {
//	    // Handle error
//	}
//	if acquired {
//	    // ...
//	    released, err := locks.ReleaseLock(ctx, "resource:123", ownerID)
//	}
package lockmgr
