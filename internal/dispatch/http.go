package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldsync/internal/model"
)

// HTTPDispatcher posts actions to the ERP backend's uniform dispatch
// endpoint. The per-kind REST routing happens server-side; this adapter
// only classifies outcomes into the engine's error taxonomy.
type HTTPDispatcher struct {
	baseURL string
	token   func() string
	client  *http.Client
}

type conflictBody struct {
	ServerVersion int64           `json:"server_version"`
	ServerState   json.RawMessage `json:"server_state"`
	Reason        string          `json:"reason"`
}

// NewHTTPDispatcher builds a dispatcher against baseURL. token is read
// per request so a refreshed session takes effect without rebuilding.
func NewHTTPDispatcher(baseURL string, token func() string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, action model.Action) (*Ack, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, &ValidationError{Status: 0, Reason: fmt.Sprintf("unmarshalable action: %v", err)}
	}

	url := d.baseURL + "/v1/field/actions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token())
	req.Header.Set("X-Idempotency-Key", action.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		// Covers timeouts and refused connections. The send may have
		// landed; the idempotency key makes the re-send safe.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ack Ack
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("decode ack: %w", err)}
		}
		if ack.EntityKey == "" {
			ack.EntityKey = action.EntityKey
		}
		return &ack, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthExpiredError{}

	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &cb); err != nil {
			return nil, &ConflictError{Reason: string(raw)}
		}
		return nil, &ConflictError{
			ServerVersion: cb.ServerVersion,
			ServerState:   cb.ServerState,
			Reason:        cb.Reason,
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		raw, _ := io.ReadAll(resp.Body)
		return nil, &ValidationError{Status: resp.StatusCode, Reason: string(raw)}

	default:
		return nil, &TransientError{Err: fmt.Errorf("backend %s", resp.Status)}
	}
}
