package objectupdates

import "github.com/openrepo/editsync/common/models"

// Subscription delivers the merged view of one resource after every mutation.
// The channel is closed when the update set is torn down.
type Subscription struct {
	C      <-chan Snapshot
	cancel func()
}

// Cancel stops delivery and closes C
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe registers for changes of url. The current state is delivered first.
func (s *Store) Subscribe(url string, initialFields []models.Field) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.get(url)
	s.adopt(set, initialFields)
	set.touched = s.now()

	ch := make(chan Snapshot, s.opts.SubscriberBuffer)
	id := set.nextSub
	set.nextSub++
	set.subscribers[id] = ch
	ch <- s.snapshot(set)

	return &Subscription{
		C: ch,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// the set may have been swept and recreated; only close our own channel
			if current, ok := s.sets[url]; ok && current == set {
				if c, ok := set.subscribers[id]; ok {
					delete(set.subscribers, id)
					close(c)
				}
			}
		},
	}
}

// Subscribers returns the number of live subscriptions for url
func (s *Store) Subscribers(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[url]; ok {
		return len(set.subscribers)
	}
	return 0
}

// publish pushes the current view to every subscriber. A subscriber that fell
// behind loses its oldest pending view so the latest one always gets through.
// Caller holds s.mu.
func (s *Store) publish(set *updateSet) {
	if len(set.subscribers) == 0 {
		return
	}
	snap := s.snapshot(set)
	for _, ch := range set.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// closeSubscribers closes every subscription of set. Caller holds s.mu.
func (s *Store) closeSubscribers(set *updateSet) {
	for id, ch := range set.subscribers {
		delete(set.subscribers, id)
		close(ch)
	}
}
