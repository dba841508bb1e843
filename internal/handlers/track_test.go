package handlers

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

	"fleettrack/internal/tracking"
)

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialTrack(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	router, _, _ := setupTestServer(t)
	return dialRouter(t, httptest.NewServer(router), path)
}

func dialRouter(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestTrack_SnapshotOnConnect(t *testing.T) {
	conn := dialTrack(t, "/api/v1/users/1/track")

	ev := readEvent(t, conn)
	require.Equal(t, tracking.EventSnapshot, ev.Type)

	var snapshot tracking.Snapshot
	require.NoError(t, json.Unmarshal(ev.Data, &snapshot))
	assert.Equal(t, 1, snapshot.User.UserID)
	require.Len(t, snapshot.Positions, 1)
	assert.Equal(t, 10, snapshot.Positions[0].VehicleID)
}

func TestTrack_SelectFromMap(t *testing.T) {
	conn := dialTrack(t, "/api/v1/users/1/track")
	require.Equal(t, tracking.EventSnapshot, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "select", "source": "map", "vehicleid": 10,
	}))

	ev := readEvent(t, conn)
	require.Equal(t, tracking.EventSelection, ev.Type)
	var sel tracking.Selection
	require.NoError(t, json.Unmarshal(ev.Data, &sel))
	assert.Equal(t, "map", sel.Source)
	require.NotNil(t, sel.Current)
	assert.Equal(t, 10, *sel.Current)

	ev = readEvent(t, conn)
	require.Equal(t, tracking.EventAddress, ev.Type)
	var addr tracking.Address
	require.NoError(t, json.Unmarshal(ev.Data, &addr))
	assert.Equal(t, "Brivibas iela, Riga", addr.DisplayName)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "deselect", "source": "list"}))
	ev = readEvent(t, conn)
	require.Equal(t, tracking.EventSelection, ev.Type)
	require.NoError(t, json.Unmarshal(ev.Data, &sel))
	assert.Nil(t, sel.Current)
}

func TestTrack_InvalidCommandIsIgnored(t *testing.T) {
	conn := dialTrack(t, "/api/v1/users/1/track")
	require.Equal(t, tracking.EventSnapshot, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select", "source": "list", "vehicleid": 11}))

	ev := readEvent(t, conn)
	assert.Equal(t, tracking.EventSelection, ev.Type)
}

func TestTrack_LoadFailureAndRetry(t *testing.T) {
	router, fleet, _ := setupTestServer(t)
	fleet.setFailing(true)
	conn := dialRouter(t, httptest.NewServer(router), "/api/v1/users/1/track")

	ev := readEvent(t, conn)
	require.Equal(t, tracking.EventProblem, ev.Type)
	var problem tracking.Problem
	require.NoError(t, json.Unmarshal(ev.Data, &problem))
	assert.Equal(t, tracking.LoadErrorMessage, problem.Message)
	assert.Equal(t, tracking.ActionRetry, problem.Action)

	fleet.setFailing(false)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "retry"}))
	assert.Equal(t, tracking.EventSnapshot, readEvent(t, conn).Type)
}

func TestTrack_InvalidUserID(t *testing.T) {
	router, _, _ := setupTestServer(t)

	w := do(router, http.MethodGet, "/api/v1/users/zero/track")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClient_EmitWaitsForRoomForCriticalEvents(t *testing.T) {
	cl := &client{send: make(chan []byte, 1), criticalWait: time.Second}

	require.NoError(t, cl.Emit(tracking.Event{Type: tracking.EventPositions}))
	assert.ErrorIs(t, cl.Emit(tracking.Event{Type: tracking.EventPositions}), errSendBufferFull)

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-cl.send
	}()
	problem := tracking.Event{
		Type: tracking.EventProblem,
		Data: tracking.Problem{Message: tracking.LoadErrorMessage, Action: tracking.ActionRetry},
	}
	require.NoError(t, cl.Emit(problem))

	var ev wireEvent
	require.NoError(t, json.Unmarshal(<-cl.send, &ev))
	assert.Equal(t, tracking.EventProblem, ev.Type)
}

func TestClient_EmitGivesUpAfterWait(t *testing.T) {
	cl := &client{send: make(chan []byte, 1), criticalWait: 10 * time.Millisecond}

	require.NoError(t, cl.Emit(tracking.Event{Type: tracking.EventPositions}))
	err := cl.Emit(tracking.Event{Type: tracking.EventSnapshot})
	assert.ErrorIs(t, err, errSendBufferFull)

	cl.close()
	assert.Error(t, cl.Emit(tracking.Event{Type: tracking.EventSnapshot}))
}
