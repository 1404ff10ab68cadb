package labeltrack

import (
	"fmt"
	"slices"
	"testing"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) UpsertEntry(classID int, text string) {
	r.events = append(r.events, fmt.Sprintf("upsert %v %v", classID, text))
}

func (r *recordingSink) RemoveEntry(classID int) {
	r.events = append(r.events, fmt.Sprintf("remove %v", classID))
}

func det(class int, conf float32) nn.ObjectDetection {
	return nn.ObjectDetection{Class: class, Confidence: conf, Box: nn.Rect{X: 1, Y: 1, Width: 10, Height: 10}}
}

func summarize(changes []Change) []string {
	s := []string{}
	for _, c := range changes {
		s = append(s, fmt.Sprintf("%v(%v)", c.Kind, c.Label))
	}
	return s
}

func TestTrackerAppearDisappear(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(nn.IndoorClasses, sink)
	person := slices.Index(nn.IndoorClasses, "person")
	chair := slices.Index(nn.IndoorClasses, "chair")

	all := []Change{}
	all = append(all, tr.Update([]nn.ObjectDetection{det(person, 0.9)})...)
	all = append(all, tr.Update(nil)...)
	all = append(all, tr.Update([]nn.ObjectDetection{det(person, 0.8), det(chair, 0.7)})...)

	require.Equal(t, []string{"upsert(person)", "retract(person)", "upsert(person)", "upsert(chair)"}, summarize(all))
	require.True(t, all[0].Created)
	require.True(t, all[2].Created)
	require.True(t, all[3].Created)
	require.Equal(t, []string{
		"upsert 0 person - 90.0%",
		"remove 0",
		"upsert 0 person - 80.0%",
		"upsert 1 chair - 70.0%",
	}, sink.events)
}

func TestTrackerUpdatesInPlace(t *testing.T) {
	tr := NewTracker(nn.COCOClasses)
	changes := tr.Update([]nn.ObjectDetection{det(0, 0.9)})
	require.True(t, changes[0].Created)

	// Same class again: an update, not a new entry
	changes = tr.Update([]nn.ObjectDetection{det(0, 0.5), det(0, 0.931), det(2, 0.6)})
	require.Equal(t, 2, len(changes))
	require.False(t, changes[0].Created)
	require.Equal(t, "person - 93.1% (x2)", changes[0].Text)
	require.True(t, changes[1].Created)
	require.Equal(t, 2, tr.Len())

	// Retractions come first, in class order
	changes = tr.Update([]nn.ObjectDetection{det(15, 0.6)})
	require.Equal(t, []Change{
		{Kind: Retract, ClassID: 0, Label: "person"},
		{Kind: Retract, ClassID: 2, Label: "car"},
		{Kind: Upsert, ClassID: 15, Label: "cat", Text: "cat - 60.0%", Created: true},
	}, changes)

	text, ok := tr.Text(15)
	require.True(t, ok)
	require.Equal(t, "cat - 60.0%", text)
	_, ok = tr.Text(0)
	require.False(t, ok)
}

func TestTrackerUnknownAndReset(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(nn.IndoorClasses, sink)
	changes := tr.Update([]nn.ObjectDetection{det(99, 0.75), det(3, 0.6)})
	require.Equal(t, "unknown - 75.0%", changes[0].Text)

	changes = tr.Reset()
	require.Equal(t, []string{"retract(bed)", "retract(unknown)"}, summarize(changes))
	require.Equal(t, 0, tr.Len())
	require.Equal(t, "remove 99", sink.events[len(sink.events)-1])

	// Switching labels retracts, and subsequent updates use the new names
	tr.Update([]nn.ObjectDetection{det(1, 0.6)})
	changes = tr.SetLabels(nn.COCOClasses)
	require.Equal(t, []string{"retract(chair)"}, summarize(changes))
	changes = tr.Update([]nn.ObjectDetection{det(1, 0.6)})
	require.Equal(t, "bicycle - 60.0%", changes[0].Text)
}
