package controller

import (
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"

	"seqmail/worker"
)

// RunFeed fans processor outcomes out to connected operator dashboards.
type RunFeed struct {
	mu   sync.Mutex
	subs map[chan worker.RunOutcome]struct{}
}

func NewRunFeed() *RunFeed {
	return &RunFeed{
		subs: make(map[chan worker.RunOutcome]struct{}),
	}
}

// Publish delivers an outcome to every connected client. Slow clients
// drop messages rather than stalling the processor.
func (f *RunFeed) Publish(outcome worker.RunOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- outcome:
		default:
		}
	}
}

func (f *RunFeed) subscribe() chan worker.RunOutcome {
	ch := make(chan worker.RunOutcome, 32)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *RunFeed) unsubscribe(ch chan worker.RunOutcome) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

// runFeedConn is the slice of *websocket.Conn the feed loop needs.
type runFeedConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// HandleRunFeedWS streams processor outcomes to a websocket client
// until the client disconnects.
func (f *RunFeed) HandleRunFeedWS(c *websocket.Conn) {
	f.serve(c)
}

func (f *RunFeed) serve(c runFeedConn) {
	defer c.Close()

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	// Read pump. The client sends nothing we care about, but reading
	// is the only way to notice a disconnect during quiet periods;
	// without it the subscription leaks until the next failed write.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case outcome := <-ch:
			payload := struct {
				worker.RunOutcome
				Line string `json:"line"`
			}{outcome, outcome.String()}

			if err := c.WriteJSON(payload); err != nil {
				log.Printf("Run feed client gone: %v", err)
				return
			}
		}
	}
}
