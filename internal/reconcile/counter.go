package reconcile

// ScannedTagCounter counts tag occurrences within one session.
// It is not safe for concurrent use; the engine guards it.
type ScannedTagCounter struct {
	counts map[string]int
	order  []string
	total  int
}

func NewScannedTagCounter() *ScannedTagCounter {
	return &ScannedTagCounter{counts: make(map[string]int)}
}

// Add counts one occurrence and returns the tag's new count.
func (c *ScannedTagCounter) Add(tag string) int {
	n, seen := c.counts[tag]
	if !seen {
		c.order = append(c.order, tag)
	}
	n++
	c.counts[tag] = n
	c.total++
	return n
}

func (c *ScannedTagCounter) Count(tag string) int {
	return c.counts[tag]
}

// Total is the number of reads, repeats included.
func (c *ScannedTagCounter) Total() int {
	return c.total
}

// Unique is the number of distinct tags.
func (c *ScannedTagCounter) Unique() int {
	return len(c.order)
}

// Tags returns distinct tags in first-seen order.
func (c *ScannedTagCounter) Tags() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *ScannedTagCounter) Reset() {
	c.counts = make(map[string]int)
	c.order = nil
	c.total = 0
}
