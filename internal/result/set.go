package result

import "strings"

// Record is the persisted (id, text) unit.
type Record struct {
	ID   string
	Text string
}

// Valid reports whether the record holds an accepted result: non-empty
// text that is not a failure marker.
func (r Record) Valid() bool {
	return strings.TrimSpace(r.Text) != "" && !IsFailureMarker(r.Text)
}

// Set is an ordered collection of records. Sets loaded from disk may hold
// duplicates and orphans; sets returned by Reconcile hold exactly one
// record per required id, in required order.
type Set []Record

// IDs returns the record ids in order, duplicates included.
func (s Set) IDs() []string {
	ids := make([]string, len(s))
	for i, r := range s {
		ids[i] = r.ID
	}
	return ids
}

// Lookup returns the first valid record for id, falling back to the first
// record of any kind.
func (s Set) Lookup(id string) (Record, bool) {
	var (
		first Record
		found bool
	)
	for _, r := range s {
		if r.ID != id {
			continue
		}
		if r.Valid() {
			return r, true
		}
		if !found {
			first, found = r, true
		}
	}
	return first, found
}

// Counts tallies the records by state.
type Counts struct {
	Valid  int
	Failed int
	Empty  int
}

func (s Set) Counts() Counts {
	var c Counts
	for _, r := range s {
		switch {
		case r.Valid():
			c.Valid++
		case IsFailureMarker(r.Text):
			c.Failed++
		default:
			c.Empty++
		}
	}
	return c
}

// Map applies fn to the text of every valid record and returns the new set.
// Failure markers and empty records are left untouched.
func (s Set) Map(fn func(Record) string) Set {
	out := make(Set, len(s))
	for i, r := range s {
		if r.Valid() {
			r.Text = fn(r)
		}
		out[i] = r
	}
	return out
}
