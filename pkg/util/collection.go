package util

import (
	"cmp"
	"slices"
	"sync"
)

// Collection keeps items in insertion order with keyed lookup.
type Collection[K cmp.Ordered, T interface{ GetKey() K }] struct {
	L     *sync.RWMutex
	Items []T
	m     map[K]T
}

func (c *Collection[K, T]) Add(item T) (ok bool) {
	if c.L != nil {
		c.L.Lock()
		defer c.L.Unlock()
	}
	if c.m == nil {
		c.m = make(map[K]T)
	}
	if _, exist := c.m[item.GetKey()]; exist {
		return false
	}
	c.m[item.GetKey()] = item
	c.Items = append(c.Items, item)
	return true
}

func (c *Collection[K, T]) Get(key K) (item T, ok bool) {
	if c.L != nil {
		c.L.RLock()
		defer c.L.RUnlock()
	}
	item, ok = c.m[key]
	return
}

func (c *Collection[K, T]) RemoveByKey(key K) bool {
	if c.L != nil {
		c.L.Lock()
		defer c.L.Unlock()
	}
	if _, ok := c.m[key]; !ok {
		return false
	}
	delete(c.m, key)
	c.Items = slices.DeleteFunc(c.Items, func(item T) bool { return item.GetKey() == key })
	return true
}

func (c *Collection[K, T]) Range(f func(T) bool) {
	if c.L != nil {
		c.L.RLock()
		defer c.L.RUnlock()
	}
	for _, item := range c.Items {
		if !f(item) {
			break
		}
	}
}

func (c *Collection[K, T]) Find(f func(T) bool) (item T, ok bool) {
	if c.L != nil {
		c.L.RLock()
		defer c.L.RUnlock()
	}
	for _, i := range c.Items {
		if f(i) {
			return i, true
		}
	}
	return
}

func (c *Collection[K, T]) Len() int {
	if c.L != nil {
		c.L.RLock()
		defer c.L.RUnlock()
	}
	return len(c.Items)
}

// Keys returns the keys in ascending order.
func (c *Collection[K, T]) Keys() []K {
	if c.L != nil {
		c.L.RLock()
		defer c.L.RUnlock()
	}
	keys := make([]K, 0, len(c.Items))
	for _, item := range c.Items {
		keys = append(keys, item.GetKey())
	}
	slices.Sort(keys)
	return keys
}
