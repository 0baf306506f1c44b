package realtime

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxReasonBytes = 120
)

// peer is one websocket connection. Only the writer goroutine writes to conn.
type peer struct {
	conn *websocket.Conn
	addr string

	// sessionKey is guarded by Manager.mu.
	sessionKey string
	lastActive atomic.Int64

	send       chan string
	closing    chan string
	closeOnce  sync.Once
	done       chan struct{}
	doneOnce   sync.Once
	writerDone chan struct{}
}

func newPeer(conn *websocket.Conn, addr string, buffer int, now time.Time) *peer {
	p := &peer{
		conn:       conn,
		addr:       addr,
		send:       make(chan string, buffer),
		closing:    make(chan string, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	p.touch(now)
	return p
}

func (p *peer) touch(now time.Time) {
	p.lastActive.Store(now.UnixNano())
}

func (p *peer) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, p.lastActive.Load()))
}

// enqueue queues msg without blocking. A peer that cannot keep up is closed.
func (p *peer) enqueue(msg string) bool {
	select {
	case p.send <- msg:
		return true
	default:
		p.close("Connection too slow")
		return false
	}
}

// close asks the writer to send a close frame with reason and hang up.
// Only the first reason counts.
func (p *peer) close(reason string) {
	p.closeOnce.Do(func() {
		p.closing <- truncateReason(reason)
	})
}

// truncateReason cuts reason to maxReasonBytes on a rune boundary.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// shutdown stops the writer once the reader is gone.
func (p *peer) shutdown() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *peer) writeLoop() {
	defer close(p.writerDone)
	defer p.conn.Close()

	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				log.Printf("realtime: write to %s: %v", p.addr, err)
				return
			}
		case reason := <-p.closing:
			p.writeClose(reason)
			return
		case <-p.done:
			select {
			case reason := <-p.closing:
				p.writeClose(reason)
			default:
			}
			return
		}
	}
}

func (p *peer) writeClose(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Printf("realtime: close %s: %v", p.addr, err)
	}
}
