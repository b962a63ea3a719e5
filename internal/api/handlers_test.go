package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/parley/internal/apiclient"
	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/eventbus"
	"github.com/manpreetbhatti/parley/internal/interview"
	"github.com/manpreetbhatti/parley/internal/offsets"
	"github.com/manpreetbhatti/parley/internal/protocol"
	"github.com/manpreetbhatti/parley/internal/ratelimit"
	"github.com/manpreetbhatti/parley/internal/room"
	"github.com/manpreetbhatti/parley/internal/scenery"
	"github.com/manpreetbhatti/parley/internal/session"
	"github.com/manpreetbhatti/parley/internal/stream"
	"github.com/manpreetbhatti/parley/internal/ws"
)

type testServer struct {
	api    *API
	db     *db.Database
	engine *interview.Engine
	srv    *httptest.Server
}

type serverOptions struct {
	responder interview.Responder
	rate      float64
	burst     int
}

func setupTestAPI(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	catalog, err := scenery.NewCatalog()
	require.NoError(t, err)

	hub := ws.NewHub(database)
	bus := eventbus.NewInMemory(zerolog.Nop())

	engineOpts := []interview.Option{interview.WithLogger(zerolog.Nop())}
	if opts.responder != nil {
		engineOpts = append(engineOpts, interview.WithResponder(opts.responder))
	}
	engine := interview.New(database, bus, catalog, interview.Config{TokenDelay: time.Millisecond}, engineOpts...)

	if opts.rate == 0 {
		opts.rate, opts.burst = 100, 100
	}
	limiters := ratelimit.NewLimiters(opts.rate, opts.burst)

	api := New(hub, database, engine, catalog, limiters)
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(CORSMiddleware(mux))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	require.NoError(t, bus.Subscribe(ctx, hub.Publish))

	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	t.Cleanup(func() { bus.Close() })
	t.Cleanup(cancel)
	t.Cleanup(limiters.Stop)
	t.Cleanup(engine.Close)

	return &testServer{api: api, db: database, engine: engine, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (ts *testServer) createRoom(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/rooms", CreateRoomRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created CreateRoomResponse
	decode(t, resp, &created)
	return created.ID
}

func blockingResponder(started chan<- struct{}) interview.Responder {
	return interview.ResponderFunc(func(ctx context.Context, scn scenery.Scenery, agent scenery.Agent, round int, input string) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
}

func TestHealthHandler(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})

	resp := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "timestamp")
}

func TestStatsHandler(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})
	ts.createRoom(t)

	resp := ts.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.EqualValues(t, 1, body["total_rooms"])
	assert.EqualValues(t, 1, body["total_events"])
	assert.EqualValues(t, 0, body["subscribers"])
}

func TestSceneriesHandler(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})

	client, err := apiclient.New(ts.srv.URL)
	require.NoError(t, err)
	sceneries, err := client.ListSceneries(context.Background())
	require.NoError(t, err)
	require.Len(t, sceneries, 1)
	assert.Equal(t, scenery.DefaultID, sceneries[0].ID)
	assert.Len(t, sceneries[0].Agents, 3)
}

func TestCreateRoom(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})

	resp := ts.do(t, http.MethodPost, "/api/rooms", CreateRoomRequest{SceneryID: "default"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created CreateRoomResponse
	decode(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "default", created.SceneryID)
	assert.Equal(t, "idle", created.State)

	events, err := ts.db.EventsSince(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventRoomCreated, events[0].Type)
	assert.Equal(t, int64(1), events[0].Offset)

	var payload protocol.RoomCreated
	require.NoError(t, events[0].Protocol().Payload(&payload))
	assert.Equal(t, created.ID, payload.ID)
	assert.Equal(t, int64(1), payload.Offset)
}

func TestCreateRoomRejectsUnknownScenery(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})

	resp := ts.do(t, http.MethodPost, "/api/rooms", CreateRoomRequest{SceneryID: "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidJSON(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})

	resp, err := http.Post(ts.srv.URL+"/api/rooms", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRoom(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})
	id := ts.createRoom(t)

	resp := ts.do(t, http.MethodGet, "/api/rooms/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got RoomResponse
	decode(t, resp, &got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "idle", got.State)
	assert.Equal(t, 1, got.EventCount)
}

func TestGetRoomNotFound(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})

	resp := ts.do(t, http.MethodGet, "/api/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRoomsPagination(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})
	for i := 0; i < 5; i++ {
		ts.createRoom(t)
	}

	client, err := apiclient.New(ts.srv.URL)
	require.NoError(t, err)
	rooms, err := client.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 5)

	resp := ts.do(t, http.MethodGet, "/api/rooms?limit=2&offset=4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Rooms  []RoomResponse `json:"rooms"`
		Limit  int            `json:"limit"`
		Offset int            `json:"offset"`
	}
	decode(t, resp, &page)
	assert.Len(t, page.Rooms, 1)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 4, page.Offset)
}

func TestDeleteRoom(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})
	id := ts.createRoom(t)

	resp := ts.do(t, http.MethodDelete, "/api/rooms/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/rooms/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/rooms/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnswerAndCancelStatusCodes(t *testing.T) {
	started := make(chan struct{}, 1)
	ts := setupTestAPI(t, serverOptions{responder: blockingResponder(started)})
	id := ts.createRoom(t)

	resp := ts.do(t, http.MethodPost, "/api/rooms/"+id+"/answer", AnswerRequest{UserInput: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/rooms/missing/answer", AnswerRequest{UserInput: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/rooms/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/rooms/"+id+"/answer", AnswerRequest{UserInput: "Postgres"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted AnswerResponse
	decode(t, resp, &accepted)
	assert.Equal(t, 1, accepted.Round)
	assert.NotEmpty(t, accepted.TurnID)
	<-started

	resp = ts.do(t, http.MethodPost, "/api/rooms/"+id+"/answer", AnswerRequest{UserInput: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/rooms/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/rooms/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnswerRateLimited(t *testing.T) {
	started := make(chan struct{}, 1)
	ts := setupTestAPI(t, serverOptions{responder: blockingResponder(started), rate: 0.001, burst: 1})
	id := ts.createRoom(t)

	resp := ts.do(t, http.MethodPost, "/api/rooms/"+id+"/answer", AnswerRequest{UserInput: "one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/rooms/"+id+"/answer", AnswerRequest{UserInput: "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	client, err := apiclient.New(ts.srv.URL)
	require.NoError(t, err)
	_, err = client.SubmitAnswer(context.Background(), id, "three")
	assert.Equal(t, http.StatusTooManyRequests, apiclient.StatusOf(err))
}

func TestRoomsRouter(t *testing.T) {
	ts := setupTestAPI(t, serverOptions{})
	id := ts.createRoom(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPut, "/api/rooms", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/rooms/" + id, http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/rooms/" + id + "/answer", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/rooms/" + id + "/events", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/rooms/" + id + "/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/rooms/" + id + "/events/extra", http.StatusNotFound},
		{http.MethodGet, "/api/rooms/missing/events", http.StatusNotFound},
		{http.MethodGet, "/api/rooms/" + id + "/events?fromOffset=-2", http.StatusBadRequest},
		{http.MethodOptions, "/api/rooms", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestFormatSSE(t *testing.T) {
	ev := db.Event{Offset: 7, Type: protocol.EventTokenReceived, Data: json.RawMessage(`{"offset":7}`)}
	assert.Equal(t, "id: 7\nevent: token_received\ndata: {\"offset\":7}\n\n", string(formatSSE(ev)))
}

// A whole interview round through the public client stack, once per feed
// transport.
func TestInterviewRoundOverFeed(t *testing.T) {
	for _, kind := range []string{"websocket", "sse"} {
		t.Run(kind, func(t *testing.T) {
			ts := setupTestAPI(t, serverOptions{})

			transport, err := stream.NewTransport(kind, ts.srv.URL)
			require.NoError(t, err)
			client, err := apiclient.New(ts.srv.URL)
			require.NoError(t, err)

			sess := session.New(
				stream.NewClient(transport, stream.WithLogger(zerolog.Nop())),
				offsets.NewMemoryStore(),
				client,
				session.WithLogger(zerolog.Nop()),
			)
			defer sess.Close()

			ctx := context.Background()
			id, err := sess.CreateRoom(ctx, "")
			require.NoError(t, err)
			sess.Connect(ctx, id)

			require.Eventually(t, func() bool {
				return sess.Snapshot().Connection == room.ConnectionConnected
			}, 5*time.Second, 5*time.Millisecond)

			_, err = sess.SubmitAnswer(ctx, "I would shard by tenant")
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				snap := sess.Snapshot()
				return snap.Lifecycle == room.LifecycleDone && len(snap.Turns) == 1
			}, 5*time.Second, 5*time.Millisecond)

			snap := sess.Snapshot()
			turn := snap.Turns[0]
			assert.Equal(t, "I would shard by tenant", turn.UserInput)
			require.Len(t, turn.Responses, 3)
			assert.Equal(t, "db-surgeon", turn.Responses[0].AgentID)
			assert.Empty(t, snap.StreamingResponses())

			latest, err := ts.db.LatestOffset(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, latest, snap.LastAppliedOffset)
		})
	}
}
