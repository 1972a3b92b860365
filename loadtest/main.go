package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Configuration
var (
	baseURL    = flag.String("url", "http://localhost:8745", "Daemon base URL")
	deviceKey  = flag.String("key", "", "Device API key (X-Fieldsync-Key)")
	producers  = flag.Int("c", 50, "Concurrent enqueue producers")
	watchers   = flag.Int("w", 10, "Concurrent status-stream watchers")
	entities   = flag.Int("entities", 200, "Distinct entity keys to spread actions over")
	rampUp     = flag.Duration("ramp", 10*time.Second, "Ramp up duration")
	duration   = flag.Duration("d", 60*time.Second, "Soak duration after ramp")
	actionRate = flag.Duration("rate", 200*time.Millisecond, "Delay between enqueues per producer")
)

// Metrics
var (
	enqueued      int64
	enqueueErrors int64
	statusEvents  int64
	streamErrors  int64
	activeStreams int64
)

var kinds = []string{
	"clock_in", "clock_out", "update_task_status",
	"confirm_pickup", "confirm_dropoff", "report_delay",
}

type statusEvent struct {
	Type   string `json:"type"`
	Status struct {
		State        string `json:"state"`
		PendingCount int    `json:"pending_count"`
	} `json:"status"`
}

func main() {
	flag.Parse()

	fmt.Printf("🚀 Starting FieldSync Soak\n")
	fmt.Printf("   Target: %s\n", *baseURL)
	fmt.Printf("   Producers: %d | Watchers: %d | Entities: %d\n", *producers, *watchers, *entities)
	fmt.Printf("   Ramp: %v | Duration: %v\n", *rampUp, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *rampUp+*duration)
	defer cancel()

	var wg sync.WaitGroup

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				enq := atomic.SwapInt64(&enqueued, 0)
				enqErr := atomic.LoadInt64(&enqueueErrors)
				events := atomic.SwapInt64(&statusEvents, 0)
				streams := atomic.LoadInt64(&activeStreams)
				fmt.Printf("[%s] Enq/s: %d | Enq errors: %d | Streams: %d | Status events/s: %d\n",
					time.Now().Format("15:04:05"), enq, enqErr, streams, events)
			}
		}
	}()

	// Ramp-up Logic
	interval := *rampUp / time.Duration(*producers+*watchers)
	for i := 0; i < *watchers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWatcher(ctx, id)
		}(i)
		time.Sleep(interval)
	}
	for i := 0; i < *producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runProducer(ctx, id)
		}(i)
		time.Sleep(interval)
	}

	fmt.Println("✅ All workers launched. Soaking...")
	wg.Wait()

	fmt.Printf("Done. Enqueue errors: %d | Stream errors: %d\n",
		atomic.LoadInt64(&enqueueErrors), atomic.LoadInt64(&streamErrors))
}

func runProducer(ctx context.Context, id int) {
	client := &http.Client{Timeout: 5 * time.Second}
	rng := rand.New(rand.NewSource(int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(*actionRate):
		}

		body, _ := json.Marshal(map[string]any{
			"entity_key":   fmt.Sprintf("task:%d", rng.Intn(*entities)),
			"kind":         kinds[rng.Intn(len(kinds))],
			"payload":      map[string]any{"producer": id, "at": time.Now().UnixMilli()},
			"base_version": 0,
		})

		req, err := http.NewRequestWithContext(ctx, "POST", *baseURL+"/v1/actions", bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if *deviceKey != "" {
			req.Header.Set("X-Fieldsync-Key", *deviceKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddInt64(&enqueueErrors, 1)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			if atomic.AddInt64(&enqueueErrors, 1) == 1 {
				fmt.Printf("Enqueue status code: %d\n", resp.StatusCode)
			}
			continue
		}
		atomic.AddInt64(&enqueued, 1)
	}
}

func runWatcher(ctx context.Context, id int) {
	req, err := http.NewRequestWithContext(ctx, "GET", *baseURL+"/v1/sync/stream", nil)
	if err != nil {
		fmt.Printf("Watcher %d error: %v\n", id, err)
		return
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")
	if *deviceKey != "" {
		req.Header.Set("X-Fieldsync-Key", *deviceKey)
	}

	client := &http.Client{
		Timeout: 0, // Infinite timeout for SSE
	}

	resp, err := client.Do(req)
	if err != nil {
		if atomic.AddInt64(&streamErrors, 1) == 1 {
			fmt.Printf("Error connecting: %v\n", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		if atomic.AddInt64(&streamErrors, 1) == 1 {
			fmt.Printf("Error status code: %d\n", resp.StatusCode)
		}
		return
	}

	atomic.AddInt64(&activeStreams, 1)
	defer atomic.AddInt64(&activeStreams, -1)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// server closed or network error
			return
		}

		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(line, "data:")
			var ev statusEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Type == "status" {
				atomic.AddInt64(&statusEvents, 1)
			}
		}
	}
}
