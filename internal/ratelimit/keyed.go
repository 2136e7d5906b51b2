package ratelimit

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes work per key with a fixed stripe of mutexes.
// Two distinct keys may share a stripe; a key never maps to two
// stripes, which is the property strict budget enforcement needs.
type KeyedMutex struct {
	stripes []sync.Mutex
}

const defaultStripes = 128

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{stripes: make([]sync.Mutex, defaultStripes)}
}

func (m *KeyedMutex) Lock(key string) {
	m.stripes[m.index(key)].Lock()
}

func (m *KeyedMutex) Unlock(key string) {
	m.stripes[m.index(key)].Unlock()
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.stripes)))
}
