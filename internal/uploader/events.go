package uploader

import (
	"context"
	"sync"
	"time"

	"feed-media/internal/domain"
)

// Event is a snapshot of one task, published on every state or progress change.
type Event struct {
	TaskID   string               `json:"taskId"`
	BatchID  string               `json:"batchId"`
	UserID   string               `json:"-"`
	FileName string               `json:"fileName"`
	State    domain.TaskState     `json:"state"`
	Progress int                  `json:"progress"`
	Result   *domain.UploadResult `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
	At       time.Time            `json:"at"`
}

func eventFromTask(task *domain.UploadTask) Event {
	ev := Event{
		TaskID:   task.ID,
		BatchID:  task.BatchID,
		UserID:   task.UserID,
		FileName: task.File.Name,
		State:    task.State,
		Progress: task.Progress,
		At:       task.UpdatedAt,
	}
	if task.Result != nil {
		res := *task.Result
		ev.Result = &res
	}
	if task.Err != nil {
		ev.Error = task.Err.Error()
	}
	return ev
}

// Broadcaster fans task events out to subscribers. Each subscriber keeps only
// the newest undelivered event per task, so a slow reader sees coalesced
// updates and holds at most one pending event per task.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	filter func(Event) bool
	notify chan struct{}

	mu     sync.Mutex
	latest map[string]Event
	queue  []string
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscription]struct{})}
}

// Subscribe delivers events accepted by filter (all when nil) until ctx is
// done, then closes the channel.
func (b *Broadcaster) Subscribe(ctx context.Context, filter func(Event) bool) <-chan Event {
	sub := &subscription{
		filter: filter,
		notify: make(chan struct{}, 1),
		latest: make(map[string]Event),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		}()
		for {
			ev, ok := sub.next()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-sub.notify:
					continue
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Publish never blocks on subscribers.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		sub.push(ev)
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if _, pending := s.latest[ev.TaskID]; !pending {
		s.queue = append(s.queue, ev.TaskID)
	}
	s.latest[ev.TaskID] = ev
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	id := s.queue[0]
	s.queue[0] = ""
	s.queue = s.queue[1:]
	ev := s.latest[id]
	delete(s.latest, id)
	return ev, true
}
