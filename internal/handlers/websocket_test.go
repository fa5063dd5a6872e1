package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/services/events"
)

func dialHub(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return msg.Type, payload
}

func TestWebSocketHandler_InitialStatusFrame(t *testing.T) {
	handler := NewWebSocketHandler(arbor.NewLogger())
	conn := dialHub(t, handler)

	msgType, payload := readFrame(t, conn)
	assert.Equal(t, "status", msgType)
	assert.Equal(t, "ONLINE", payload["service"])
	assert.NotEmpty(t, payload["serverInstanceId"])

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_BroadcastReachesClient(t *testing.T) {
	handler := NewWebSocketHandler(arbor.NewLogger())
	conn := dialHub(t, handler)
	readFrame(t, conn) // drain the status frame

	handler.Broadcast(string(interfaces.EventSessionProgress), events.SessionProgressPayload{
		SessionID:      "ses_ws1",
		UserID:         "usr_ws1",
		Status:         "PROCESSING",
		TotalPages:     4,
		ProcessedPages: 2,
	})

	msgType, payload := readFrame(t, conn)
	assert.Equal(t, "session_progress", msgType)
	assert.Equal(t, "ses_ws1", payload["session_id"])
	assert.Equal(t, float64(2), payload["processed_pages"])
	assert.Equal(t, float64(4), payload["total_pages"])
}

func TestEventSubscriber_ForwardsSessionEvents(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(logger)
	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	NewEventSubscriber(handler, eventService, logger, &common.WebSocketConfig{})

	conn := dialHub(t, handler)
	readFrame(t, conn)

	err := eventService.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventSessionStatus,
		Payload: events.SessionStatusPayload{
			SessionID: "ses_ws2",
			UserID:    "usr_ws1",
			From:      "PROCESSING",
			To:        "COMPLETED",
		},
	})
	require.NoError(t, err)

	msgType, payload := readFrame(t, conn)
	assert.Equal(t, "session_status_changed", msgType)
	assert.Equal(t, "ses_ws2", payload["session_id"])
	assert.Equal(t, "COMPLETED", payload["to"])
}

func TestEventSubscriber_WhitelistFiltersEvents(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(logger)
	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	NewEventSubscriber(handler, eventService, logger, &common.WebSocketConfig{
		AllowedEvents: []string{string(interfaces.EventSessionCreated)},
	})

	conn := dialHub(t, handler)
	readFrame(t, conn)

	// Not on the whitelist: must never reach the client
	err := eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventSessionProgress,
		Payload: events.SessionProgressPayload{SessionID: "ses_ws3", UserID: "usr_ws1"},
	})
	require.NoError(t, err)

	err = eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventSessionCreated,
		Payload: events.SessionCreatedPayload{SessionID: "ses_ws3", UserID: "usr_ws1", FileCount: 1, TotalPages: 1},
	})
	require.NoError(t, err)

	// The first frame after status must be the whitelisted event
	msgType, payload := readFrame(t, conn)
	assert.Equal(t, "session_created", msgType)
	assert.Equal(t, "ses_ws3", payload["session_id"])
}

func TestEventSubscriber_ThrottlesHighFrequencyEvents(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(logger)
	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	NewEventSubscriber(handler, eventService, logger, &common.WebSocketConfig{
		ThrottleIntervals: map[string]string{
			string(interfaces.EventSessionProgress): "1h",
		},
	})

	conn := dialHub(t, handler)
	readFrame(t, conn)

	for i := 1; i <= 3; i++ {
		err := eventService.PublishSync(context.Background(), interfaces.Event{
			Type: interfaces.EventSessionProgress,
			Payload: events.SessionProgressPayload{
				SessionID:      "ses_ws4",
				UserID:         "usr_ws1",
				ProcessedPages: i,
				TotalPages:     3,
			},
		})
		require.NoError(t, err)
	}

	// Burst of one: only the first progress event passes the throttle
	msgType, payload := readFrame(t, conn)
	assert.Equal(t, "session_progress", msgType)
	assert.Equal(t, float64(1), payload["processed_pages"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var extra WSMessage
	assert.Error(t, conn.ReadJSON(&extra), "throttled events must not reach the client")
}
