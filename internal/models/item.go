// Package models defines core data structures for items, observations, and recommendation requests.
package models

// Item identifies a recommendable course within a study program.
// Two items are the same item when both fields are equal.
type Item struct {
	Program string `json:"program"`
	Course  string `json:"course"`
}

// String renders the item as "program/course".
func (i Item) String() string {
	return i.Program + "/" + i.Course
}

// Observation is the set of items seen together under one grouping key
// (a session or device). Items are deduplicated and kept in first-seen order.
type Observation struct {
	Key   string `json:"key"`
	Items []Item `json:"items"`
}

// Len returns the number of distinct items in the observation.
func (o Observation) Len() int {
	return len(o.Items)
}
