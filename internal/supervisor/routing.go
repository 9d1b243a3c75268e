package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/logger"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// RoutingClient asks an external classifier service how a task draft should
// be routed (complexity, strategy, model).
type RoutingClient struct {
	url    string
	client *http.Client
	logger *logger.Logger
}

// NewRoutingClient creates a client for the routing classifier endpoint.
func NewRoutingClient(url string, log *logger.Logger) *RoutingClient {
	return &RoutingClient{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithFields(zap.String("component", "routing-client")),
	}
}

// Recommend posts the task draft and decodes the recommendation.
func (c *RoutingClient) Recommend(ctx context.Context, taskDraft string) (*v1.RoutingRecommendation, error) {
	body, err := json.Marshal(map[string]string{"task": taskDraft})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("routing classifier returned %d", resp.StatusCode)
	}

	var rec v1.RoutingRecommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode routing response: %w", err)
	}
	return &rec, nil
}
