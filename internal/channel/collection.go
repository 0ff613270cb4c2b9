package channel

type keyed interface {
	key() int64
}

// collection is an ordered list with unique keys. New entries go to the front.
// It is not safe for concurrent use; the Reconciler lock guards it.
type collection[T keyed] struct {
	items []T
}

func (c *collection[T]) index(id int64) int {
	for i, item := range c.items {
		if item.key() == id {
			return i
		}
	}
	return -1
}

func (c *collection[T]) get(id int64) (T, bool) {
	if i := c.index(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// upsert merges into the existing entry or inserts merge(zero) at the front.
func (c *collection[T]) upsert(id int64, merge func(T) T) (T, bool) {
	if i := c.index(id); i >= 0 {
		c.items[i] = merge(c.items[i])
		return c.items[i], false
	}
	var zero T
	item := merge(zero)
	c.items = append([]T{item}, c.items...)
	return item, true
}

// update merges into the existing entry only.
func (c *collection[T]) update(id int64, merge func(T) T) (T, bool) {
	i := c.index(id)
	if i < 0 {
		var zero T
		return zero, false
	}
	c.items[i] = merge(c.items[i])
	return c.items[i], true
}

func (c *collection[T]) remove(id int64) (T, bool) {
	i := c.index(id)
	if i < 0 {
		var zero T
		return zero, false
	}
	item := c.items[i]
	c.items = append(c.items[:i:i], c.items[i+1:]...)
	return item, true
}

// replace installs items, keeping the first entry for duplicate keys.
func (c *collection[T]) replace(items []T) {
	seen := make(map[int64]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item.key()]; dup || item.key() <= 0 {
			continue
		}
		seen[item.key()] = struct{}{}
		out = append(out, item)
	}
	c.items = out
}

func (c *collection[T]) list() []T {
	return append([]T(nil), c.items...)
}

func (c *collection[T]) clear() {
	c.items = nil
}
