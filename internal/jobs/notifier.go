package jobs

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// StatusChange is one job transition, published to every subscribed
// operator connection. Polling get(job_id) remains authoritative; this is
// purely an observability convenience so `knoxctl watch` doesn't have to
// poll.
type StatusChange struct {
	JobID     canonical.EntityID  `json:"job_id"`
	ProjectID canonical.ProjectID `json:"project_id"`
	Kind      canonical.JobKind   `json:"kind"`
	Status    canonical.JobStatus `json:"status"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Notifier fans job status changes out to every connected watcher. It never
// blocks Publish on a slow or dead connection — each subscriber has a small
// buffered channel, and a full channel just drops the update for that
// subscriber (the subscriber's next get(job_id) poll catches up).
type Notifier struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan StatusChange
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*subscriber]struct{})}
}

func (n *Notifier) Publish(sc StatusChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs {
		select {
		case s.ch <- sc:
		default:
		}
	}
}

// ServeWatch upgrades the request to a websocket and streams StatusChange
// events until the client disconnects.
func (n *Notifier) ServeWatch(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := &subscriber{ch: make(chan StatusChange, 32)}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.subs, sub)
		n.mu.Unlock()
		close(sub.ch)
	}()

	// Drain client-initiated control frames (ping/close) on a reader
	// goroutine so the connection's read deadline is honored; the watch
	// protocol is server-push only, so any payload is ignored.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case sc, ok := <-sub.ch:
			if !ok {
				return nil
			}
			b, err := json.Marshal(sc)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}
