// Package client is a thin Go wrapper around the syncd HTTP surface for
// UI layers that embed the daemon. It mirrors the daemon's command API
// and keeps a live status copy fed by the SSE stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/dto/req"
	"fieldsync/internal/dto/resp"
	"fieldsync/internal/service"
	"fieldsync/pkg/logger"

	"go.uber.org/zap"
)

type SyncClient struct {
	addr       string
	deviceKey  string
	httpClient *http.Client

	mu     sync.RWMutex
	status service.Status

	onStatus func(service.Status)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSyncClient(addr, deviceKey string, onStatus func(service.Status)) *SyncClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncClient{
		addr:       addr,
		deviceKey:  deviceKey,
		httpClient: &http.Client{},
		onStatus:   onStatus,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start fetches the current status and begins following the stream.
func (c *SyncClient) Start() error {
	status, err := c.fetchStatus()
	if err != nil {
		return err
	}
	c.setStatus(*status)
	go c.runWatchLoop()
	return nil
}

func (c *SyncClient) Stop() {
	c.cancel()
}

// Status returns the last known daemon status.
func (c *SyncClient) Status() service.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Enqueue captures an action through the daemon. The returned item
// carries the generated action id.
func (c *SyncClient) Enqueue(ctx context.Context, entityKey, kind string, payload any, baseVersion int64) (*resp.ActionItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	body := req.EnqueueActionRequest{
		EntityKey:   entityKey,
		Kind:        kind,
		Payload:     raw,
		BaseVersion: baseVersion,
	}
	var item resp.ActionItem
	if err := c.post(ctx, "/v1/actions", body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Resolve applies a user disposition to a dead-lettered action.
func (c *SyncClient) Resolve(ctx context.Context, actionID, decision string) error {
	return c.post(ctx, "/v1/actions/"+actionID+"/resolve", req.ResolveActionRequest{Decision: decision}, nil)
}

// SyncNow asks the daemon for an immediate replay cycle.
func (c *SyncClient) SyncNow(ctx context.Context) error {
	return c.post(ctx, "/v1/sync/now", nil, nil)
}

// SetSession forwards a refreshed ERP token to the daemon.
func (c *SyncClient) SetSession(ctx context.Context, token string) error {
	return c.post(ctx, "/v1/session", req.SetSessionRequest{Token: token}, nil)
}

// DeadLetters lists actions awaiting user disposition.
func (c *SyncClient) DeadLetters(ctx context.Context) ([]resp.ActionItem, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/v1/actions/dead-letter", nil)
	if err != nil {
		return nil, err
	}
	c.decorate(httpReq)
	r, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dead-letter list: %s", r.Status)
	}
	var out resp.DeadLetterResponse
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *SyncClient) fetchStatus() (*service.Status, error) {
	httpReq, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.addr+"/v1/sync/status", nil)
	if err != nil {
		return nil, err
	}
	c.decorate(httpReq)
	r, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()
	var status service.Status
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *SyncClient) runWatchLoop() {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			reqCtx, reqCancel := context.WithCancel(c.ctx)
			httpReq, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, c.addr+"/v1/sync/stream", nil)
			c.decorate(httpReq)
			r, err := c.httpClient.Do(httpReq)
			if err != nil {
				reqCancel()
				jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
				logger.Warn("status stream disconnected", zap.Error(err))
				time.Sleep(backoff + jitter)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			backoff = time.Second
			c.consumeStream(r, reqCancel)
		}
	}
}

func (c *SyncClient) consumeStream(r *http.Response, cancel context.CancelFunc) {
	defer cancel()
	defer r.Body.Close()

	scanner := bufio.NewScanner(r.Body)

	var eventType string
	var dataBuffer bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if eventType == "status" && dataBuffer.Len() > 0 {
				var status service.Status
				if err := json.Unmarshal(dataBuffer.Bytes(), &status); err == nil {
					c.setStatus(status)
				} else {
					logger.Error("failed to unmarshal status event", zap.Error(err))
				}
			}
			eventType = ""
			dataBuffer.Reset()
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			if dataBuffer.Len() > 0 {
				dataBuffer.WriteString("\n")
			}
			dataBuffer.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *SyncClient) setStatus(status service.Status) {
	c.mu.Lock()
	c.status = status
	cb := c.onStatus
	c.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

func (c *SyncClient) post(ctx context.Context, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.decorate(httpReq)

	r, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(r.Body).Decode(&e)
		return fmt.Errorf("%s: %s", r.Status, e.Error)
	}

	if out != nil {
		return json.NewDecoder(r.Body).Decode(out)
	}
	return nil
}

func (c *SyncClient) decorate(r *http.Request) {
	if c.deviceKey != "" {
		r.Header.Set("X-Fieldsync-Key", c.deviceKey)
	}
}
