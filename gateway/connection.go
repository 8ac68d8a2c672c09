package gateway

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
)

// Connection state machine: only OPEN accepts application commands.
const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 512 * 1024
)

// Connection owns one client websocket: its identity, outbound frame
// queue, writer goroutine, and subscription labels. Connections never
// share mutable state; other components reach them only by enqueueing
// frames.
type Connection struct {
	id    string
	ws    *websocket.Conn
	queue *frameQueue

	state       atomic.Int32
	closeOnce   sync.Once
	releaseOnce sync.Once
	done        chan struct{}

	onClose func(*Connection)
	metrics *metric.CoreMetrics
}

func newConnection(ws *websocket.Conn, queueSize int, metrics *metric.CoreMetrics, onClose func(*Connection)) *Connection {
	return &Connection{
		id:      uuid.NewString(),
		ws:      ws,
		queue:   newFrameQueue(queueSize),
		done:    make(chan struct{}),
		onClose: onClose,
		metrics: metrics,
	}
}

// ID returns the connection's stable identifier.
func (c *Connection) ID() string { return c.id }

// Open reports whether the connection still accepts commands.
func (c *Connection) Open() bool { return c.state.Load() == stateOpen }

// EnqueueLive enqueues a live EVENT frame. Implements subscribe.Conn.
func (c *Connection) EnqueueLive(label string, e *event.Event) {
	data, err := eventFrame(label, e)
	if err != nil {
		slog.Error("encode live frame", "error", err)
		return
	}
	c.enqueue(frame{data: data, label: label, class: classLive})
}

// EnqueueBacklog enqueues a stored EVENT frame during REQ replay. The
// returned error stops the replay loop when the connection has closed.
func (c *Connection) EnqueueBacklog(label string, e *event.Event) error {
	data, err := eventFrame(label, e)
	if err != nil {
		return err
	}
	return c.enqueue(frame{data: data, label: label, class: classBacklog})
}

// SendEOSE emits the end-of-stored-events sentinel for a subscription.
func (c *Connection) SendEOSE(label string) {
	if data, err := eoseFrame(label); err == nil {
		c.enqueue(frame{data: data, label: label, class: classControl})
	}
}

// SendOK emits the PUBLISH acknowledgement frame.
func (c *Connection) SendOK(id string, ok bool, message string) {
	if data, err := okFrame(id, ok, message); err == nil {
		c.enqueue(frame{data: data, class: classControl})
	}
}

// SendNotice emits an informational NOTICE if the connection is still
// open.
func (c *Connection) SendNotice(message string) {
	if !c.Open() {
		return
	}
	if data, err := noticeFrame(message); err == nil {
		c.enqueue(frame{data: data, class: classControl})
	}
}

// enqueue pushes a frame through the backpressure policy: shed backlog
// first (with a NOTICE), close the connection when nothing can be shed.
func (c *Connection) enqueue(f frame) error {
	result, err := c.queue.Enqueue(f)
	if err != nil {
		if stderrors.Is(err, errors.ErrQueueOverflow) {
			c.dropped("overflow")
			c.Close("slow consumer: outbound queue overflow")
		}
		return err
	}

	if result.shed {
		c.dropped("backlog_shed")
		if data, noticeErr := noticeFrame("backlog dropped for subscription " + result.label + ": slow consumer"); noticeErr == nil {
			// Best effort; if this also overflows the connection is out
			// of headroom and the next enqueue closes it.
			_, _ = c.queue.Enqueue(frame{data: data, class: classControl})
		}
	}
	return nil
}

func (c *Connection) dropped(reason string) {
	if c.metrics != nil {
		c.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

// writePump drains the outbound queue onto the websocket and keeps the
// peer alive with pings. Runs as the connection's single writer and is
// the last actor to touch the socket: it closes the transport and fires
// the server's cleanup hook on the way out.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
		_ = c.ws.Close()
		c.releaseOnce.Do(func() {
			if c.onClose != nil {
				c.onClose(c)
			}
		})
	}()

	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			f, ok := c.queue.Dequeue()
			if !ok {
				return
			}
			select {
			case frames <- f:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				// Queue closed and drained; say goodbye. Write deadlines
				// bound the exit when the peer is gone.
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close moves the connection to CLOSING, queues a final NOTICE when a
// reason is given, and tears the transport down. The writer goroutine
// drains whatever is still queued, so the NOTICE goes out if the peer is
// reading at all.
func (c *Connection) Close(reason string) {
	if !c.state.CompareAndSwap(stateOpen, stateClosing) {
		return
	}

	if reason != "" {
		if data, err := noticeFrame(reason); err == nil {
			// The final NOTICE bypasses the capacity bound: a close on
			// overflow happens with the queue full, where Enqueue refuses it.
			c.queue.mu.Lock()
			if !c.queue.closed {
				c.queue.frames = append(c.queue.frames, frame{data: data, class: classControl})
				c.queue.notEmpty.Signal()
			}
			c.queue.mu.Unlock()
		}
	}

	c.teardown()
}

// teardown flips the state and releases the queue exactly once. The
// writer drains what remains and closes the socket afterwards.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosed)
		c.queue.Close()
		close(c.done)
	})
}
