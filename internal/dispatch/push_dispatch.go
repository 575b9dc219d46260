package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// HTTPPusher posts frames for offline users to a push provider endpoint.
type HTTPPusher struct {
	Endpoint string
	Client   *http.Client
}

var _ Pusher = (*HTTPPusher)(nil)

func NewHTTPPusher(endpoint string) *HTTPPusher {
	return &HTTPPusher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	UserID  int64       `json:"userId"`
	Role    models.Role `json:"role"`
	Type    string      `json:"type"`
	Payload any         `json:"payload"`
}

func (p *HTTPPusher) Push(ctx context.Context, userID int64, role models.Role, msgType string, payload any) error {
	b, err := json.Marshal(pushBody{UserID: userID, Role: role, Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
