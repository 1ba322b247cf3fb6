// Package locks provides per-user serialization for turn processing:
// an in-process mutex table for the hot path and a redis-backed
// distributed lock for operations that must not run concurrently
// across instances.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UserMutexes serializes turn processing per user within one process.
// Mutexes are created lazily and never evicted; the table is bounded by
// the active user population.
type UserMutexes struct {
	mu     sync.Mutex
	byUser map[string]*sync.Mutex
}

// NewUserMutexes creates an empty mutex table.
func NewUserMutexes() *UserMutexes {
	return &UserMutexes{byUser: make(map[string]*sync.Mutex)}
}

// Lock locks the mutex for userID, creating it on first use.
func (um *UserMutexes) Lock(userID string) {
	um.forUser(userID).Lock()
}

// Unlock unlocks the mutex for userID.
func (um *UserMutexes) Unlock(userID string) {
	um.forUser(userID).Unlock()
}

func (um *UserMutexes) forUser(userID string) *sync.Mutex {
	um.mu.Lock()
	defer um.mu.Unlock()
	m, ok := um.byUser[userID]
	if !ok {
		m = &sync.Mutex{}
		um.byUser[userID] = m
	}
	return m
}

// TurnLock is a distributed lock held across one user's write path to
// prevent concurrent mutation of the same user's memory.
type TurnLock struct {
	redis     *redis.Client
	key       string
	acquired  bool
	timeout   time.Duration
	renewTick *time.Ticker
	done      chan bool
	logger    *zap.Logger
	userID    string
}

// Acquire attempts to acquire the lock. Fails immediately when another
// holder exists.
func (tl *TurnLock) Acquire(ctx context.Context) error {
	acquired, err := tl.redis.SetNX(ctx, tl.key, "1", tl.timeout).Result()
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return fmt.Errorf("turn already in progress for user")
	}

	tl.acquired = true

	// Renewal goroutine extends the lock during long extraction tails.
	tl.renewTick = time.NewTicker(tl.timeout / 3)
	go func() {
		for {
			select {
			case <-tl.renewTick.C:
				tl.redis.Expire(ctx, tl.key, tl.timeout)
			case <-tl.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	tl.logger.Debug("turn lock acquired",
		zap.String("user", tl.userID),
		zap.Duration("timeout", tl.timeout))

	return nil
}

// Release releases the lock.
func (tl *TurnLock) Release() {
	if !tl.acquired {
		return
	}

	close(tl.done)
	if tl.renewTick != nil {
		tl.renewTick.Stop()
	}

	tl.redis.Del(context.Background(), tl.key)
	tl.acquired = false

	tl.logger.Debug("turn lock released", zap.String("user", tl.userID))
}

// TurnLockManager creates distributed turn locks.
type TurnLockManager struct {
	redis          *redis.Client
	logger         *zap.Logger
	defaultTimeout time.Duration
}

// NewTurnLockManager creates a new turn lock manager.
func NewTurnLockManager(redisClient *redis.Client, logger *zap.Logger) *TurnLockManager {
	return &TurnLockManager{
		redis:          redisClient,
		logger:         logger.Named("turn_lock"),
		defaultTimeout: 30 * time.Second,
	}
}

// AcquireUserLock acquires the write lock for one user's memory.
func (tlm *TurnLockManager) AcquireUserLock(ctx context.Context, userID string) (*TurnLock, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}

	lock := &TurnLock{
		redis:   tlm.redis,
		key:     fmt.Sprintf("lock:turn:%s", userID),
		timeout: tlm.defaultTimeout,
		done:    make(chan bool),
		logger:  tlm.logger,
		userID:  userID,
	}

	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	return lock, nil
}

// SetTimeout sets a custom timeout for locks created by this manager.
func (tlm *TurnLockManager) SetTimeout(timeout time.Duration) {
	tlm.defaultTimeout = timeout
}
