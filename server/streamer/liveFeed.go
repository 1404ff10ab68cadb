// Package streamer pushes detection results and label changes to websocket clients.
package streamer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/livedetect/pkg/labeltrack"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of messages that we will buffer for each client, before dropping messages to that client.
const SendBufferSize = 50

// Sent by client over websocket
// SYNC-WEBSOCKET-JSON-MSG
type clientCommand struct {
	Command string `json:"command"` // "pause" or "resume"
}

// Message is sent to clients as a websocket TEXT frame.
// SYNC-LIVEFEED-MESSAGE
type Message struct {
	Type      string              `json:"type"` // "detection", "label", "retract", or "error"
	Detection *nn.DetectionResult `json:"detection,omitempty"`
	Change    *labeltrack.Change  `json:"change,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type client struct {
	id          int64
	sendQueue   chan []byte
	paused      atomic.Bool
	nDropped    int64
	lastDropMsg time.Time
}

// LiveFeed fans out session events to any number of websocket clients.
// A slow client never blocks the sender. Its messages are dropped instead.
type LiveFeed struct {
	Log logs.Log

	lock      sync.Mutex
	clients   map[int64]*client
	nextID    int64
	closing   chan struct{}
	closeOnce sync.Once
}

func NewLiveFeed(log logs.Log) *LiveFeed {
	return &LiveFeed{
		Log:     log,
		clients: map[int64]*client{},
		closing: make(chan struct{}),
	}
}

// Close disconnects all clients
func (f *LiveFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.closing)
	})
}

func (f *LiveFeed) NumClients() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.clients)
}

// UpsertEntry sends a "label" message
func (f *LiveFeed) UpsertEntry(classID int, text string) {
	f.Broadcast(&Message{Type: "label", Change: &labeltrack.Change{Kind: labeltrack.Upsert, ClassID: classID, Text: text}})
}

// RemoveEntry sends a "retract" message
func (f *LiveFeed) RemoveEntry(classID int) {
	f.Broadcast(&Message{Type: "retract", Change: &labeltrack.Change{Kind: labeltrack.Retract, ClassID: classID}})
}

// ReportError sends an "error" message
func (f *LiveFeed) ReportError(err error) {
	f.Broadcast(&Message{Type: "error", Error: err.Error()})
}

// OnDetection has the signature of a session subscriber
func (f *LiveFeed) OnDetection(result *nn.DetectionResult, changes []labeltrack.Change) {
	if result == nil {
		return
	}
	f.Broadcast(&Message{Type: "detection", Detection: result})
}

// Broadcast queues msg for every client that is not paused
func (f *LiveFeed) Broadcast(msg *Message) {
	j, err := json.Marshal(msg)
	if err != nil {
		f.Log.Errorf("Failed to marshal websocket message: %v", err)
		return
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	now := time.Now()
	for _, c := range f.clients {
		if c.paused.Load() {
			continue
		}
		select {
		case c.sendQueue <- j:
		default:
			c.nDropped++
			if now.Sub(c.lastDropMsg) > 5*time.Second {
				f.Log.Infof("LiveFeed client %v: dropped %v messages", c.id, c.nDropped)
				c.lastDropMsg = now
			}
		}
	}
}

// Serve runs until the websocket is closed by the client, or the feed is closed.
func (f *LiveFeed) Serve(conn *websocket.Conn) {
	defer conn.Close()

	f.lock.Lock()
	f.nextID++
	c := &client{
		id:        f.nextID,
		sendQueue: make(chan []byte, SendBufferSize),
	}
	f.clients[c.id] = c
	f.lock.Unlock()

	defer func() {
		f.lock.Lock()
		delete(f.clients, c.id)
		f.lock.Unlock()
	}()

	f.Log.Infof("LiveFeed client %v connected", c.id)
	readerDone := make(chan struct{})
	go f.reader(c, conn, readerDone)

	for {
		select {
		case msg := <-c.sendQueue:
			if c.paused.Load() {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				f.Log.Infof("LiveFeed client %v: write failed: %v", c.id, err)
				return
			}
		case <-readerDone:
			f.Log.Infof("LiveFeed client %v disconnected", c.id)
			return
		case <-f.closing:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// Read commands from the websocket until it is closed
func (f *LiveFeed) reader(c *client, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd := clientCommand{}
		if err := json.Unmarshal(data, &cmd); err != nil {
			f.Log.Infof("LiveFeed client %v: failed to decode JSON: %v", c.id, err)
			continue
		}
		// SYNC-WEBSOCKET-COMMANDS
		switch cmd.Command {
		case "pause":
			c.paused.Store(true)
		case "resume":
			c.paused.Store(false)
		default:
			f.Log.Infof("LiveFeed client %v: unknown command '%v'", c.id, cmd.Command)
		}
	}
}
