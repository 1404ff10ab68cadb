package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/livedetect/pkg/labeltrack"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func detection(class int, conf float32) nn.ObjectDetection {
	return nn.ObjectDetection{Class: class, Confidence: conf, Box: nn.Rect{X: 1, Y: 1, Width: 10, Height: 10}}
}

func TestJournalSightings(t *testing.T) {
	log := logs.NewTestingLog(t)
	dbPath := filepath.Join(t.TempDir(), "journal", "journal.sqlite")
	j, err := Open(log, dbPath)
	require.NoError(t, err)

	tracker := labeltrack.NewTracker(nn.COCOClasses)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	frame := func(i int, objects ...nn.ObjectDetection) {
		result := &nn.DetectionResult{Sequence: int64(i), Objects: objects, CompletedAt: base.Add(time.Duration(i) * time.Second)}
		j.OnDetection(result, tracker.Update(objects))
	}

	frame(1, detection(0, 0.9), detection(56, 0.6))
	frame(2, detection(0, 0.95))
	frame(3, detection(0, 0.8))
	j.Flush()

	active, err := j.Active()
	require.NoError(t, err)
	require.Equal(t, 1, len(active))
	require.Equal(t, "person", active[0].Label)
	require.Equal(t, "person - 80.0%", active[0].Text)
	require.Equal(t, base.Add(time.Second), active[0].FirstSeen.Get())
	require.Equal(t, base.Add(3*time.Second), active[0].LastSeen.Get())

	recent, err := j.Recent(10)
	require.NoError(t, err)
	require.Equal(t, 2, len(recent))
	chair := recent[0]
	if chair.Label != "chair" {
		chair = recent[1]
	}
	require.Equal(t, "chair", chair.Label)
	require.Equal(t, base.Add(2*time.Second), chair.RetractedAt.Get())

	// A class that comes back starts a new sighting
	frame(4)
	frame(5, detection(56, 0.7))
	j.Flush()
	counts, err := j.CountByLabel()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"person": 1, "chair": 2}, counts)

	j.ReportError(errors.New("tensor shape mismatch: bad"))
	j.Flush()
	failures, err := j.RecentFailures(5)
	require.NoError(t, err)
	require.Equal(t, 1, len(failures))
	require.Equal(t, "tensor shape mismatch: bad", failures[0].Message)

	j.Close()
	// Calls after Close are ignored
	j.ReportError(errors.New("late"))
	j.Flush()

	// Reopening closes everything that was left open
	j, err = Open(log, dbPath)
	require.NoError(t, err)
	defer j.Close()
	active, err = j.Active()
	require.NoError(t, err)
	require.Empty(t, active)
	recent, err = j.Recent(1)
	require.NoError(t, err)
	require.Equal(t, 1, len(recent))
	require.Equal(t, "chair", recent[0].Label)
	require.Equal(t, recent[0].LastSeen, recent[0].RetractedAt)
}

func TestJournalRollbackKeepsOpenSightings(t *testing.T) {
	j, err := Open(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "journal.sqlite"))
	require.NoError(t, err)
	defer j.Close()

	// Inserting a sighting labelled "broken" fails, which rolls back its whole batch
	err = j.db.Callback().Create().Before("gorm:create").Register("test:broken", func(tx *gorm.DB) {
		if s, ok := tx.Statement.Dest.(*Sighting); ok && s.Label == "broken" {
			tx.AddError(errors.New("disk full"))
		}
	})
	require.NoError(t, err)

	person := labeltrack.Change{Kind: labeltrack.Upsert, ClassID: 0, Label: "person", Text: "person - 90.0%", Created: true}
	j.OnDetection(nil, []labeltrack.Change{person})
	j.Flush()
	active, err := j.Active()
	require.NoError(t, err)
	require.Equal(t, 1, len(active))
	personID := active[0].ID

	j.OnDetection(nil, []labeltrack.Change{
		{Kind: labeltrack.Retract, ClassID: 0, Label: "person"},
		{Kind: labeltrack.Upsert, ClassID: 1, Label: "broken", Text: "broken - 50.0%", Created: true},
	})
	j.Flush()
	require.Equal(t, map[int]int64{0: personID}, j.open)
	active, err = j.Active()
	require.NoError(t, err)
	require.Equal(t, 1, len(active))
	require.Equal(t, personID, active[0].ID)

	// The person sighting can still be closed
	j.OnDetection(nil, []labeltrack.Change{{Kind: labeltrack.Retract, ClassID: 0, Label: "person"}})
	j.Flush()
	active, err = j.Active()
	require.NoError(t, err)
	require.Empty(t, active)
	require.Empty(t, j.open)
}
