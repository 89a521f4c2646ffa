package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/logging"
)

// HTTPConfig configures the management API registrar.
type HTTPConfig struct {
	Endpoint     string // base URL, e.g. https://api.example.com
	EndpointName string // inference endpoint the models belong to
	Timeout      time.Duration
}

// Item is one model entry in a registration request. The management API
// treats the fields as opaque.
type Item struct {
	ModelName    string `json:"model_name"`
	Title        string `json:"title"`
	EndpointName string `json:"endpoint_name"`
}

type request struct {
	Items []Item `json:"items"`
}

// HTTP posts model lists to {endpoint}/sd/models?module=<Module>.
type HTTP struct {
	endpoint     string
	endpointName string
	client       *http.Client
}

// NewHTTP creates an HTTP registrar. It returns nil when no http(s)
// endpoint or endpoint name is configured.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.EndpointName == "" {
		return nil
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTP{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		endpointName: cfg.EndpointName,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (h *HTTP) Register(ctx context.Context, c category.Category, ids []string) error {
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, h.item(id))
	}
	return h.send(ctx, http.MethodPost, c, items)
}

func (h *HTTP) Deregister(ctx context.Context, c category.Category, id string) error {
	return h.send(ctx, http.MethodDelete, c, []Item{h.item(id)})
}

func (h *HTTP) item(id string) Item {
	name := id
	if i := strings.LastIndex(id, " ["); i >= 0 {
		name = id[:i]
	}
	return Item{ModelName: name, Title: id, EndpointName: h.endpointName}
}

func (h *HTTP) send(ctx context.Context, method string, c category.Category, items []Item) error {
	body, err := json.Marshal(request{Items: items})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	u := h.endpoint + "/sd/models?" + url.Values{"module": {c.Module()}}.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s models: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s models: server returned %d", strings.ToLower(method), resp.StatusCode)
	}

	logging.Debug("model index updated",
		zap.String("method", method),
		zap.String("module", c.Module()),
		zap.Int("items", len(items)),
	)
	return nil
}
