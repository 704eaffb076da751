package propval

// Bag is an insertion-ordered tag->value mapping with unique tags, per
// spec §3.
type Bag struct {
	order []Tag
	vals  map[Tag]Value
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{vals: map[Tag]Value{}}
}

// Set inserts or overwrites tag's value, preserving its original position
// on overwrite and appending on first insertion.
func (b *Bag) Set(tag Tag, v Value) {
	if b.vals == nil {
		b.vals = map[Tag]Value{}
	}
	if _, exists := b.vals[tag]; !exists {
		b.order = append(b.order, tag)
	}
	b.vals[tag] = v
}

// Get returns the value for tag and whether it is present. A property
// that exists with a NULL value still reports ok=true (spec's EXIST
// semantics).
func (b *Bag) Get(tag Tag) (Value, bool) {
	v, ok := b.vals[tag]
	return v, ok
}

// Delete removes tag, if present.
func (b *Bag) Delete(tag Tag) {
	if _, ok := b.vals[tag]; !ok {
		return
	}
	delete(b.vals, tag)
	for i, t := range b.order {
		if t == tag {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ReplaceTag renames old to new in place, preserving old's position in
// insertion order. Used by npmap.ReplaceNPIDs, which must not disturb bag
// ordering while rewriting named-property ids (spec §4.2).
func (b *Bag) ReplaceTag(old, new Tag) {
	v, ok := b.vals[old]
	if !ok {
		return
	}
	delete(b.vals, old)
	b.vals[new] = v
	for i, t := range b.order {
		if t == old {
			b.order[i] = new
			break
		}
	}
}

// Tags returns tags in insertion order.
func (b *Bag) Tags() []Tag {
	out := make([]Tag, len(b.order))
	copy(out, b.order)
	return out
}

// Len reports the number of properties in the bag.
func (b *Bag) Len() int { return len(b.order) }

// Clone deep-copies the bag and every value in it.
func (b *Bag) Clone() *Bag {
	out := NewBag()
	for _, tag := range b.order {
		out.Set(tag, b.vals[tag].Clone())
	}
	return out
}

// Range visits tag/value pairs in insertion order. Range must not be used
// to mutate the bag; Set/Delete calls made from f are not supported.
func (b *Bag) Range(f func(Tag, Value) bool) {
	for _, tag := range b.order {
		if !f(tag, b.vals[tag]) {
			return
		}
	}
}
