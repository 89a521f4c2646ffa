package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/events"
)

type captured struct {
	method string
	module string
	req    request
}

func newServer(t *testing.T, status int, got *[]captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sd/models", r.URL.Path)
		var body request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*got = append(*got, captured{method: r.Method, module: r.URL.Query().Get("module"), req: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewHTTPRequiresEndpoint(t *testing.T) {
	assert.Nil(t, NewHTTP(HTTPConfig{Endpoint: "http://x"}))
	assert.Nil(t, NewHTTP(HTTPConfig{Endpoint: "x.example.com", EndpointName: "ep"}))
	assert.NotNil(t, NewHTTP(HTTPConfig{Endpoint: "https://x", EndpointName: "ep"}))
}

func TestHTTPRegister(t *testing.T) {
	var got []captured
	srv := newServer(t, http.StatusOK, &got)
	h := NewHTTP(HTTPConfig{Endpoint: srv.URL + "/", EndpointName: "ep-1", Timeout: time.Second})

	require.NoError(t, h.Register(context.Background(), category.Lora, []string{"style [0123abcd]"}))
	require.NoError(t, h.Deregister(context.Background(), category.ControlNet, "canny [ffff0000]"))

	require.Len(t, got, 2)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "Lora", got[0].module)
	assert.Equal(t, []Item{{ModelName: "style", Title: "style [0123abcd]", EndpointName: "ep-1"}}, got[0].req.Items)

	assert.Equal(t, http.MethodDelete, got[1].method)
	assert.Equal(t, "ControlNet", got[1].module)
	assert.Equal(t, "canny", got[1].req.Items[0].ModelName)
}

func TestHTTPServerError(t *testing.T) {
	var got []captured
	srv := newServer(t, http.StatusInternalServerError, &got)
	h := NewHTTP(HTTPConfig{Endpoint: srv.URL, EndpointName: "ep"})

	err := h.Register(context.Background(), category.VAE, nil)
	assert.ErrorContains(t, err, "500")
}

type failing struct{ calls int }

func (f *failing) Register(context.Context, category.Category, []string) error {
	f.calls++
	return errors.New("register failed")
}

func (f *failing) Deregister(context.Context, category.Category, string) error {
	f.calls++
	return errors.New("deregister failed")
}

func TestMultiCallsEveryRegistrar(t *testing.T) {
	a, b := &failing{}, &failing{}
	m := Multi{a, Nop{}, b}

	err := m.Register(context.Background(), category.Checkpoint, []string{"x"})
	assert.ErrorContains(t, err, "register failed")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	assert.Error(t, m.Deregister(context.Background(), category.Checkpoint, "x"))
	assert.NoError(t, Multi{Nop{}}.Register(context.Background(), category.VAE, nil))
}

func TestEventsRegistrar(t *testing.T) {
	b := events.NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	r := Events{B: b}
	require.NoError(t, r.Register(context.Background(), category.Lora, []string{"a [1]", "b [2]"}))
	require.NoError(t, r.Deregister(context.Background(), category.Lora, "a [1]"))

	first := <-ch
	assert.Equal(t, events.EventRegister, first.Type)
	assert.Equal(t, "lora", first.Category)
	assert.Equal(t, "a [1]", first.Identifier)
	second := <-ch
	assert.Equal(t, "b [2]", second.Identifier)

	select {
	case ev := <-ch:
		t.Fatalf("deregister published %s event", ev.Type)
	default:
	}
}
