// Package journal keeps a history of which classes were seen, and when.
package journal

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/livedetect/pkg/dbh"
	"github.com/cyclopcam/livedetect/pkg/labeltrack"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Sighting is one continuous period during which a class was present
type Sighting struct {
	ID          int64       `gorm:"primaryKey" json:"id"`
	ClassID     int         `json:"classId"`
	Label       string      `json:"label"`
	Text        string      `json:"text"` // Most recent text shown for this class
	FirstSeen   dbh.IntTime `json:"firstSeen"`
	LastSeen    dbh.IntTime `json:"lastSeen"`
	RetractedAt dbh.IntTime `json:"retractedAt,omitempty"` // Zero while the class is still present
}

// Failure is a post-processing error, such as a tensor shape mismatch
type Failure struct {
	ID        int64       `gorm:"primaryKey" json:"id"`
	CreatedAt dbh.IntTime `json:"createdAt"`
	Message   string      `json:"message"`
}

// Queue depth before we start dropping writes
const queueSize = 256

type work struct {
	at      time.Time
	changes []labeltrack.Change
	failure string
	flushed chan struct{}
}

// Journal records label changes into an sqlite database.
// Writes happen on a background goroutine, so that the detection loop is never
// blocked by the disk.
type Journal struct {
	Log logs.Log

	db       *gorm.DB
	queue    chan work
	done     chan struct{}
	closeMtx sync.Mutex
	closed   bool

	// Only touched by the writer goroutine
	open map[int]int64 // classID -> sighting ID
}

// Open or create a journal database
func Open(log logs.Log, dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0777); err != nil {
		return nil, fmt.Errorf("Failed to create journal directory: %w", err)
	}
	log.Infof("Opening journal at '%v'", dbPath)
	db, err := dbh.OpenDB(log, dbPath, Migrations(log), 0)
	if err != nil {
		return nil, err
	}
	// If we crashed, some sightings were never closed
	if err := db.Exec("UPDATE sighting SET retracted_at = last_seen WHERE retracted_at IS NULL").Error; err != nil {
		dbh.CloseDB(db)
		return nil, err
	}
	j := &Journal{
		Log:   log,
		db:    db,
		queue: make(chan work, queueSize),
		done:  make(chan struct{}),
		open:  map[int]int64{},
	}
	go j.writer()
	return j, nil
}

// Close waits for queued writes to finish, and closes the database.
// Open sightings are marked as retracted.
func (j *Journal) Close() {
	j.closeMtx.Lock()
	if j.closed {
		j.closeMtx.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.closeMtx.Unlock()

	<-j.done
	if err := j.db.Exec("UPDATE sighting SET retracted_at = last_seen WHERE retracted_at IS NULL").Error; err != nil {
		j.Log.Errorf("Failed to close open sightings: %v", err)
	}
	dbh.CloseDB(j.db)
}

// OnDetection has the signature of a session subscriber
func (j *Journal) OnDetection(result *nn.DetectionResult, changes []labeltrack.Change) {
	if len(changes) == 0 {
		return
	}
	at := time.Now()
	if result != nil {
		at = result.CompletedAt
	}
	j.enqueue(work{at: at, changes: changes})
}

// ReportError records a post-processing failure
func (j *Journal) ReportError(err error) {
	j.enqueue(work{at: time.Now(), failure: err.Error()})
}

// Flush blocks until all writes queued before this call have been applied
func (j *Journal) Flush() {
	flushed := make(chan struct{})
	if !j.enqueueBlocking(work{flushed: flushed}) {
		return
	}
	<-flushed
}

func (j *Journal) enqueue(w work) {
	j.closeMtx.Lock()
	defer j.closeMtx.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- w:
	default:
		j.Log.Warnf("Journal queue is full. Dropping %v changes", len(w.changes))
	}
}

func (j *Journal) enqueueBlocking(w work) bool {
	j.closeMtx.Lock()
	defer j.closeMtx.Unlock()
	if j.closed {
		return false
	}
	j.queue <- w
	return true
}

func (j *Journal) writer() {
	defer close(j.done)
	for w := range j.queue {
		if w.flushed != nil {
			close(w.flushed)
			continue
		}
		if w.failure != "" {
			f := Failure{CreatedAt: dbh.MakeIntTime(w.at), Message: w.failure}
			if err := j.db.Create(&f).Error; err != nil {
				j.Log.Errorf("Failed to record failure: %v", err)
			}
			continue
		}
		if err := j.apply(w.at, w.changes); err != nil {
			j.Log.Errorf("Failed to record label changes: %v", err)
		}
	}
}

// The open map is only replaced once the transaction has committed
func (j *Journal) apply(at time.Time, changes []labeltrack.Change) error {
	now := dbh.MakeIntTime(at)
	open := maps.Clone(j.open)
	err := j.db.Transaction(func(tx *gorm.DB) error {
		for _, c := range changes {
			id, isOpen := open[c.ClassID]
			switch {
			case c.Kind == labeltrack.Retract && isOpen:
				if err := tx.Model(&Sighting{}).Where("id = ?", id).Updates(map[string]any{"last_seen": now, "retracted_at": now}).Error; err != nil {
					return err
				}
				delete(open, c.ClassID)
			case c.Kind == labeltrack.Upsert && isOpen:
				if err := tx.Model(&Sighting{}).Where("id = ?", id).Updates(map[string]any{"last_seen": now, "text": c.Text}).Error; err != nil {
					return err
				}
			case c.Kind == labeltrack.Upsert:
				s := Sighting{
					ClassID:   c.ClassID,
					Label:     c.Label,
					Text:      c.Text,
					FirstSeen: now,
					LastSeen:  now,
				}
				if err := tx.Create(&s).Error; err != nil {
					return err
				}
				open[c.ClassID] = s.ID
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.open = open
	return nil
}

// Recent returns up to limit sightings, newest first
func (j *Journal) Recent(limit int) ([]Sighting, error) {
	sightings := []Sighting{}
	err := j.db.Order("first_seen DESC, id DESC").Limit(limit).Find(&sightings).Error
	return sightings, err
}

// Active returns the sightings that have not been retracted yet
func (j *Journal) Active() ([]Sighting, error) {
	sightings := []Sighting{}
	err := j.db.Where("retracted_at IS NULL").Order("id").Find(&sightings).Error
	return sightings, err
}

// RecentFailures returns up to limit failures, newest first
func (j *Journal) RecentFailures(limit int) ([]Failure, error) {
	failures := []Failure{}
	err := j.db.Order("id DESC").Limit(limit).Find(&failures).Error
	return failures, err
}

// CountByLabel returns the number of sightings of each label
func (j *Journal) CountByLabel() (map[string]int, error) {
	labels, err := dbh.ScanArray[string](j.db.Raw("SELECT label FROM sighting").Rows())
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, l := range labels {
		counts[l]++
	}
	return counts, nil
}
