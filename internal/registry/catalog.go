package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a module from its configuration table.
type Constructor func(cfg map[string]any) (Module, error)

// Catalog maps locators to constructors. Modules register at compile time,
// usually from an init function.
type Catalog struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewCatalog() *Catalog {
	return &Catalog{ctors: make(map[string]Constructor)}
}

// Register panics on an empty locator, nil constructor or duplicate locator,
// the same way database/sql treats driver registration.
func (c *Catalog) Register(locator string, ctor Constructor) {
	if locator == "" {
		panic("registry: empty module locator")
	}
	if ctor == nil {
		panic("registry: nil constructor for " + locator)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.ctors[locator]; dup {
		panic(fmt.Sprintf("registry: module %q registered twice", locator))
	}
	c.ctors[locator] = ctor
}

func (c *Catalog) Lookup(locator string) (Constructor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctor, ok := c.ctors[locator]
	return ctor, ok
}

// Locators lists registered locators in sorted order.
func (c *Catalog) Locators() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ctors))
	for k := range c.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var defaultCatalog = NewCatalog()

// Register adds a constructor to the process-wide catalog.
func Register(locator string, ctor Constructor) { defaultCatalog.Register(locator, ctor) }

func DefaultCatalog() *Catalog { return defaultCatalog }
