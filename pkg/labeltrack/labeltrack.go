// Package labeltrack turns a stream of detection sets into incremental label updates.
//
// Identity is coarse: a class is either present in the latest detection set or it isn't.
// Individual instances are not tracked across frames.
package labeltrack

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/livedetect/pkg/nn"
)

// Sink receives label updates. A log panel, a websocket, or a database table are all sinks.
type Sink interface {
	UpsertEntry(classID int, text string)
	RemoveEntry(classID int)
}

type ChangeKind int

const (
	Upsert ChangeKind = iota
	Retract
)

func (k ChangeKind) String() string {
	if k == Retract {
		return "retract"
	}
	return "upsert"
}

// Change is a single create, update, or retraction of a label
type Change struct {
	Kind    ChangeKind `json:"kind"`
	ClassID int        `json:"classId"`
	Label   string     `json:"label"`
	Text    string     `json:"text"`    // Empty for Retract
	Created bool       `json:"created"` // True if this Upsert is the first sighting since the class was last absent
}

type entry struct {
	label string
	text  string
}

// Tracker remembers which classes are currently displayed.
// A Tracker is not safe for concurrent use.
type Tracker struct {
	labels  nn.ClassLabels
	sinks   []Sink
	current map[int]entry
}

func NewTracker(labels nn.ClassLabels, sinks ...Sink) *Tracker {
	return &Tracker{
		labels:  labels,
		sinks:   sinks,
		current: map[int]entry{},
	}
}

// Replace the class labels, for example after switching to a different model.
// Existing entries are retracted first, because their class IDs no longer mean the same thing.
func (t *Tracker) SetLabels(labels nn.ClassLabels) []Change {
	changes := t.Reset()
	t.labels = labels
	return changes
}

// Update diffs the newest detection set against the previous one.
// Retractions are emitted first (in ascending class order), followed by one Upsert
// for each class present in objects, in order of first appearance.
func (t *Tracker) Update(objects []nn.ObjectDetection) []Change {
	type classSummary struct {
		count int
		best  float32
	}
	order := []int{}
	summary := map[int]*classSummary{}
	for _, o := range objects {
		s := summary[o.Class]
		if s == nil {
			s = &classSummary{}
			summary[o.Class] = s
			order = append(order, o.Class)
		}
		s.count++
		s.best = max(s.best, o.Confidence)
	}

	changes := []Change{}
	gone := []int{}
	for classID := range t.current {
		if summary[classID] == nil {
			gone = append(gone, classID)
		}
	}
	slices.Sort(gone)
	for _, classID := range gone {
		changes = append(changes, t.retract(classID))
	}

	for _, classID := range order {
		s := summary[classID]
		label := t.labels.LabelFor(classID)
		text := FormatEntry(label, s.best, s.count)
		_, exists := t.current[classID]
		t.current[classID] = entry{label: label, text: text}
		changes = append(changes, Change{
			Kind:    Upsert,
			ClassID: classID,
			Label:   label,
			Text:    text,
			Created: !exists,
		})
		for _, sink := range t.sinks {
			sink.UpsertEntry(classID, text)
		}
	}
	return changes
}

// Reset retracts every displayed entry
func (t *Tracker) Reset() []Change {
	all := make([]int, 0, len(t.current))
	for classID := range t.current {
		all = append(all, classID)
	}
	slices.Sort(all)
	changes := []Change{}
	for _, classID := range all {
		changes = append(changes, t.retract(classID))
	}
	return changes
}

func (t *Tracker) retract(classID int) Change {
	e := t.current[classID]
	delete(t.current, classID)
	for _, sink := range t.sinks {
		sink.RemoveEntry(classID)
	}
	return Change{
		Kind:    Retract,
		ClassID: classID,
		Label:   e.label,
	}
}

// Returns the text of the entry for classID, if it is currently displayed
func (t *Tracker) Text(classID int) (string, bool) {
	e, ok := t.current[classID]
	return e.text, ok
}

// Number of classes currently displayed
func (t *Tracker) Len() int {
	return len(t.current)
}

// FormatEntry produces the text shown for a class, eg "person - 93.1%" or "cup - 71.0% (x3)"
func FormatEntry(label string, confidence float32, count int) string {
	s := fmt.Sprintf("%v - %.1f%%", label, confidence*100)
	if count > 1 {
		s += fmt.Sprintf(" (x%v)", count)
	}
	return s
}
