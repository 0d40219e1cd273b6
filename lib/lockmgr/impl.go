package lockmgr

import (
	"context"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockmgr")

// Namespace is the kv namespace holding the locks
const Namespace = "_locks"

type lockMgrImpl struct {
	store kv.IKeyValue
}

func NewLockManager(store kv.IKeyValue) ILockManager {
	return &lockMgrImpl{
		store: store,
	}
}

func (lm *lockMgrImpl) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	// the lock is taken by whoever inserts the key first
	res, err := lm.store.Set(ctx, Namespace, key, kv.BytesValue(ownerID), kv.OnlyIfVacant(), kv.WithTTL(ttl))
	if err != nil {
		Logger.Warningf("failed to acquire lock %s: %v", key, err)
		return false, nil, err
	}
	if res.Status != kv.StatusInserted {
		return false, nil, nil
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(ctx context.Context, key string, ownerID []byte) (bool, error) {
	released, err := lm.store.CompareAndDelete(ctx, Namespace, key, ownerID)
	if err != nil || released {
		return released, err
	}

	// not ours, or already gone
	_, found, err := lm.store.Get(ctx, Namespace, key)
	if err != nil {
		return false, err
	}
	return !found, nil
}
