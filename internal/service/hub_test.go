package service

import (
	"sync"
	"testing"
	"time"

	"fieldsync/internal/metrics"
)

func TestHub_Concurrency(t *testing.T) {
	hub := NewHub(metrics.NopObserver{}, 100*time.Millisecond)
	go hub.Run()

	var wg sync.WaitGroup
	// Parameters for race detection
	clientCount := 50
	eventCount := 200

	clients := make([]*Client, clientCount)

	// 1. Concurrent registration
	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := &Client{Send: make(chan StatusEvent, 50)}
			clients[idx] = c
			hub.Register <- c
		}(i)
	}
	wg.Wait()

	broadcastDone := make(chan struct{})

	// 2. Concurrent broadcast
	go func() {
		for i := 0; i < eventCount; i++ {
			hub.Broadcast <- StatusEvent{
				Type:   EventStatus,
				Status: Status{State: StateSyncing, PendingCount: i},
			}
			// Small delay to allow interleaving with unregister
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		close(broadcastDone)
	}()

	// 3. Concurrent unregister (churn)
	go func() {
		for i := 0; i < clientCount/2; i++ {
			time.Sleep(2 * time.Millisecond)
			hub.Unregister <- clients[i]
		}
	}()

	// 4. Reader consuming loop
	var readWg sync.WaitGroup
	for i := 0; i < clientCount; i++ {
		readWg.Add(1)
		go func(c *Client) {
			defer readWg.Done()
			timeout := time.After(3 * time.Second)
			for {
				select {
				case _, ok := <-c.Send:
					if !ok {
						return // Channel closed by hub (disconnect/unregister)
					}
				case <-broadcastDone:
					// Drain remaining
					for {
						select {
						case _, ok := <-c.Send:
							if !ok {
								return
							}
						default:
							return
						}
					}
				case <-timeout:
					return
				}
			}
		}(clients[i])
	}

	readWg.Wait()
}

func TestHub_LaggingClientDisconnected(t *testing.T) {
	hub := NewHub(metrics.NopObserver{}, time.Hour)
	go hub.Run()

	lagging := &Client{Send: make(chan StatusEvent)} // unbuffered, never read
	healthy := &Client{Send: make(chan StatusEvent, 8)}
	hub.Register <- lagging
	hub.Register <- healthy

	hub.Broadcast <- StatusEvent{Type: EventStatus, Status: Status{State: StateIdle}}

	select {
	case ev := <-healthy.Send:
		if ev.Type != EventStatus {
			t.Errorf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("healthy client never received the broadcast")
	}

	select {
	case _, ok := <-lagging.Send:
		if ok {
			t.Error("lagging client received instead of being dropped")
		}
	case <-time.After(time.Second):
		t.Fatal("lagging client channel not closed")
	}
}
