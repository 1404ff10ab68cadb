package streamer

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startFeed(t *testing.T) (*LiveFeed, *websocket.Conn) {
	feed := NewLiveFeed(logs.NewTestingLog(t))
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		feed.Serve(conn)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(feed.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return feed.NumClients() == 1 }, 5*time.Second, time.Millisecond)
	return feed, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg := Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestLiveFeedMessages(t *testing.T) {
	feed, conn := startFeed(t)

	feed.UpsertEntry(0, "person - 93.1%")
	msg := readMessage(t, conn)
	require.Equal(t, "label", msg.Type)
	require.Equal(t, 0, msg.Change.ClassID)
	require.Equal(t, "person - 93.1%", msg.Change.Text)

	feed.OnDetection(&nn.DetectionResult{Sequence: 7, Objects: []nn.ObjectDetection{{Class: 0, Confidence: 0.9}}}, nil)
	msg = readMessage(t, conn)
	require.Equal(t, "detection", msg.Type)
	require.Equal(t, int64(7), msg.Detection.Sequence)
	require.Equal(t, 1, len(msg.Detection.Objects))

	// nil results come from model switches, and carry no detection
	feed.OnDetection(nil, nil)
	feed.RemoveEntry(0)
	msg = readMessage(t, conn)
	require.Equal(t, "retract", msg.Type)

	feed.ReportError(errors.New("tensor shape mismatch"))
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	require.Equal(t, "tensor shape mismatch", msg.Error)
}

func TestLiveFeedPause(t *testing.T) {
	feed, conn := startFeed(t)

	require.NoError(t, conn.WriteJSON(clientCommand{Command: "pause"}))
	require.Eventually(t, func() bool {
		feed.lock.Lock()
		defer feed.lock.Unlock()
		for _, c := range feed.clients {
			return c.paused.Load()
		}
		return false
	}, 5*time.Second, time.Millisecond)
	feed.UpsertEntry(1, "bicycle - 50.0%")

	require.NoError(t, conn.WriteJSON(clientCommand{Command: "resume"}))
	require.Eventually(t, func() bool {
		feed.lock.Lock()
		defer feed.lock.Unlock()
		for _, c := range feed.clients {
			return !c.paused.Load()
		}
		return false
	}, 5*time.Second, time.Millisecond)

	// The message sent while paused was never queued
	feed.UpsertEntry(2, "car - 60.0%")
	msg := readMessage(t, conn)
	require.Equal(t, 2, msg.Change.ClassID)
}

func TestLiveFeedSlowClientDoesNotBlock(t *testing.T) {
	feed, _ := startFeed(t)
	// Nobody reads from the client, so the queue fills up and messages are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < SendBufferSize*20; i++ {
			feed.UpsertEntry(i, strings.Repeat("x", 10000))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Broadcast blocked")
	}
}
