package dto

import "sort"

// ItemCounts maps a logical PPE item label to a count.
// It is used both for detection results and for the expected set of a task.
type ItemCounts map[string]int

// Normalized returns a copy without zero or negative entries.
func (c ItemCounts) Normalized() ItemCounts {
	out := make(ItemCounts, len(c))
	for label, n := range c {
		if n > 0 {
			out[label] = n
		}
	}
	return out
}

// Equal reports exact equality: same labels with the same counts.
// A zero count is the same as an absent label.
func (c ItemCounts) Equal(other ItemCounts) bool {
	a, b := c.Normalized(), other.Normalized()
	if len(a) != len(b) {
		return false
	}
	for label, n := range a {
		if b[label] != n {
			return false
		}
	}
	return true
}

// Missing returns, for each expected label, how many items are still missing.
func (c ItemCounts) Missing(expected ItemCounts) ItemCounts {
	missing := make(ItemCounts)
	for label, want := range expected {
		if have := c[label]; have < want {
			missing[label] = want - have
		}
	}
	return missing
}

// Labels returns the labels in sorted order.
func (c ItemCounts) Labels() []string {
	labels := make([]string, 0, len(c))
	for label := range c {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Clone returns an independent copy.
func (c ItemCounts) Clone() ItemCounts {
	out := make(ItemCounts, len(c))
	for label, n := range c {
		out[label] = n
	}
	return out
}
