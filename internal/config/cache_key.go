package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// HandoffPasswordKey returns the key holding a single-use exam password for an exam reference.
func (r *CacheKeyStruct) HandoffPasswordKey(examRef string) string {
	return fmt.Sprintf("exstem:handoff:exam:%s:password", examRef)
}

// HandoffAttemptKey returns the key bridging an attempt reference across a hand-off.
func (r *CacheKeyStruct) HandoffAttemptKey(examRef string) string {
	return fmt.Sprintf("exstem:handoff:exam:%s:attempt", examRef)
}

var CacheKey = NewCacheKeyStruct()
