// Package bincheck reports whether required executables are available on the
// execution path. Results are cached per process.
package bincheck

import (
	"os/exec"
	"sync"
)

type Checker struct {
	cache sync.Map
}

func NewChecker() *Checker {
	return &Checker{}
}

// Set overrides the result for name, bypassing path lookup.
func (c *Checker) Set(name string, found bool) {
	c.cache.Store(name, found)
}

// InPath reports whether name resolves to an executable via $PATH.
func (c *Checker) InPath(name string) bool {
	if v, ok := c.cache.Load(name); ok {
		found, _ := v.(bool)
		return found
	}

	_, err := exec.LookPath(name)
	found := err == nil

	actual, _ := c.cache.LoadOrStore(name, found)
	stored, _ := actual.(bool)
	return stored
}
