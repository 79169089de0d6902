package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irisserve/ml"
)

func dialHub(t *testing.T, h *Hub, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func TestHubPublishesPredictions(t *testing.T) {
	h := NewHub(nil, nil)
	go h.Start()
	defer h.Stop()

	conn, _, err := dialHub(t, h, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ev := PredictionEvent{
		RequestID: "req-1",
		RunID:     "run-1",
		Features:  ml.FeatureVector{5.1, 3.5, 1.4, 0.2},
		Label:     "Iris-setosa",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, h.PublishPrediction(ev))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, PredictionMade, msg.Type)
	assert.NotEmpty(t, msg.ID)

	var got PredictionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "Iris-setosa", got.Label)
	assert.Equal(t, ev.Features, got.Features)
}

func TestHubHeartbeat(t *testing.T) {
	h := NewHub(nil, nil)
	go h.Start()
	defer h.Stop()

	conn, _, err := dialHub(t, h, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.SendHeartbeat())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, Heartbeat, msg.Type)
}

func TestHubUnregistersOnClose(t *testing.T) {
	h := NewHub(nil, nil)
	go h.Start()
	defer h.Stop()

	conn, _, err := dialHub(t, h, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	h := NewHub(nil, []string{"https://allowed.example"})
	go h.Start()
	defer h.Stop()

	_, resp, err := dialHub(t, h, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialHub(t, h, http.Header{"Origin": []string{"https://allowed.example"}})
	require.NoError(t, err)
	conn.Close()
}
