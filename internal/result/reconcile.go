package result

import "fmt"

// Pending returns the required ids that still need generation: ids with no
// record in existing, or only invalid ones (failure markers, empty text).
// The result preserves the order of required.
func Pending(required []string, existing Set) []string {
	valid := make(map[string]bool, len(existing))
	for _, r := range existing {
		if r.Valid() {
			valid[r.ID] = true
		}
	}

	pending := make([]string, 0)
	seen := make(map[string]bool, len(required))
	for _, id := range required {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !valid[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// DiagnosticKind names a reconciliation inconsistency.
type DiagnosticKind string

const (
	DiagOrphan    DiagnosticKind = "orphan"
	DiagDuplicate DiagnosticKind = "duplicate"
)

// Diagnostic describes a record that was dropped during reconciliation.
type Diagnostic struct {
	Kind   DiagnosticKind
	ID     string
	Source string // "existing" or "new"
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s record %q dropped", d.Kind, d.Source, d.ID)
}

// Report summarises a reconciliation.
type Report struct {
	Kept        int
	Adopted     int
	Unresolved  []string
	Diagnostics []Diagnostic
}

// Inconsistent reports whether any orphan or duplicate record was dropped.
func (r Report) Inconsistent() bool {
	return len(r.Diagnostics) > 0
}

// Reconcile merges new outcomes into an existing set and returns the
// authoritative set for required.
//
// An existing valid record always wins over a new one. Ids left without a
// valid record carry this run's failure marker, else the earlier failure
// marker, else empty text. Records for ids outside required and repeated
// records are dropped and reported.
func Reconcile(required []string, existing Set, outcomes []Outcome) (Set, Report) {
	var rep Report

	want := make(map[string]bool, len(required))
	for _, id := range required {
		want[id] = true
	}

	type slot struct {
		valid     *Record
		newValid  *Record
		oldMarker string
		newMarker string
		seenOld   bool
		seenNew   bool
	}
	slots := make(map[string]*slot, len(required))
	get := func(id string) *slot {
		s, ok := slots[id]
		if !ok {
			s = &slot{}
			slots[id] = s
		}
		return s
	}

	for _, r := range existing {
		if !want[r.ID] {
			rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Kind: DiagOrphan, ID: r.ID, Source: "existing"})
			continue
		}
		s := get(r.ID)
		if s.seenOld {
			rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Kind: DiagDuplicate, ID: r.ID, Source: "existing"})
		}
		s.seenOld = true
		switch {
		case r.Valid():
			if s.valid == nil {
				rec := r
				s.valid = &rec
			}
		case IsFailureMarker(r.Text):
			if s.oldMarker == "" {
				s.oldMarker = r.Text
			}
		}
	}

	for _, o := range outcomes {
		if !want[o.ID] {
			rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Kind: DiagOrphan, ID: o.ID, Source: "new"})
			continue
		}
		s := get(o.ID)
		if s.seenNew {
			rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Kind: DiagDuplicate, ID: o.ID, Source: "new"})
		}
		s.seenNew = true
		rec := o.Record()
		switch {
		case rec.Valid():
			if s.newValid == nil {
				s.newValid = &rec
			}
		case IsFailureMarker(rec.Text):
			s.newMarker = rec.Text
		}
	}

	out := make(Set, 0, len(required))
	emitted := make(map[string]bool, len(required))
	for _, id := range required {
		if emitted[id] {
			continue
		}
		emitted[id] = true
		s := get(id)
		switch {
		case s.valid != nil:
			rep.Kept++
			out = append(out, Record{ID: id, Text: s.valid.Text})
		case s.newValid != nil:
			rep.Adopted++
			out = append(out, Record{ID: id, Text: s.newValid.Text})
		default:
			rep.Unresolved = append(rep.Unresolved, id)
			text := s.newMarker
			if text == "" {
				text = s.oldMarker
			}
			out = append(out, Record{ID: id, Text: text})
		}
	}
	return out, rep
}
