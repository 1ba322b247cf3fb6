package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserMutexesSerializePerUser(t *testing.T) {
	um := NewUserMutexes()
	um.Lock("u1")

	entered := make(chan struct{})
	go func() {
		um.Lock("u1")
		close(entered)
		um.Unlock("u1")
	}()

	select {
	case <-entered:
		t.Fatal("second holder entered while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	um.Unlock("u1")
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second holder never entered after unlock")
	}
}

func TestUserMutexesIndependentUsers(t *testing.T) {
	um := NewUserMutexes()
	um.Lock("u1")
	defer um.Unlock("u1")

	entered := make(chan struct{})
	go func() {
		um.Lock("u2")
		close(entered)
		um.Unlock("u2")
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("other user blocked on an unrelated lock")
	}
}

func TestUserMutexesReuseSameMutex(t *testing.T) {
	um := NewUserMutexes()
	assert.Same(t, um.forUser("u1"), um.forUser("u1"))
	assert.NotSame(t, um.forUser("u1"), um.forUser("u2"))
}
