package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/parley/internal/apiclient"
	"github.com/manpreetbhatti/parley/internal/offsets"
	"github.com/manpreetbhatti/parley/internal/room"
	"github.com/manpreetbhatti/parley/internal/stream"
)

type feedConn struct {
	frames chan stream.Frame
	closed chan struct{}
	once   sync.Once
}

func newFeedConn() *feedConn {
	return &feedConn{frames: make(chan stream.Frame, 32), closed: make(chan struct{})}
}

func (c *feedConn) Next() (stream.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return stream.Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return stream.Frame{}, errors.New("closed")
	}
}

func (c *feedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type dial struct {
	roomID string
	from   int64
	conn   *feedConn
}

// feedTransport hands every dial a fresh connection and reports it.
type feedTransport struct {
	dials chan dial
}

func newFeedTransport() *feedTransport {
	return &feedTransport{dials: make(chan dial, 16)}
}

func (t *feedTransport) Dial(ctx context.Context, roomID string, fromOffset int64) (stream.Conn, error) {
	conn := newFeedConn()
	t.dials <- dial{roomID: roomID, from: fromOffset, conn: conn}
	return conn, nil
}

func (t *feedTransport) next(tb testing.TB) dial {
	tb.Helper()
	select {
	case d := <-t.dials:
		return d
	case <-time.After(2 * time.Second):
		tb.Fatal("timeout waiting for dial")
		return dial{}
	}
}

func push(d dial, typ string, offset int64, fields string) {
	if fields != "" {
		fields = "," + fields
	}
	d.conn.frames <- stream.Frame{Data: []byte(fmt.Sprintf(`{"type":%q,"data":{"offset":%d%s}}`, typ, offset, fields))}
}

type fakeAPI struct {
	mu        sync.Mutex
	createErr error
	submitErr error
	cancelErr error
	submitted []string
	cancelled []string
}

func (a *fakeAPI) CreateRoom(ctx context.Context, sceneryID string) (apiclient.CreateRoomResponse, error) {
	if a.createErr != nil {
		return apiclient.CreateRoomResponse{}, a.createErr
	}
	return apiclient.CreateRoomResponse{ID: "room-new", SceneryID: sceneryID, State: "idle"}, nil
}

func (a *fakeAPI) SubmitAnswer(ctx context.Context, roomID, userInput string) (apiclient.SubmitAnswerResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, roomID+":"+userInput)
	if a.submitErr != nil {
		return apiclient.SubmitAnswerResponse{}, a.submitErr
	}
	return apiclient.SubmitAnswerResponse{TurnID: "t1", Round: 1}, nil
}

func (a *fakeAPI) CancelTurn(ctx context.Context, roomID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, roomID)
	return a.cancelErr
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *feedTransport, offsets.Store, *fakeAPI) {
	t.Helper()
	tr := newFeedTransport()
	client := stream.NewClient(tr,
		stream.WithBackoff(stream.BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond}),
		stream.WithLogger(zerolog.Nop()),
	)
	store := offsets.NewMemoryStore()
	api := &fakeAPI{}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s := New(client, store, api, opts...)
	t.Cleanup(s.Close)
	return s, tr, store, api
}

func waitFor(t *testing.T, s *Session, cond func(*room.State) bool) *room.State {
	t.Helper()
	var snap *room.State
	require.Eventually(t, func() bool {
		snap = s.Snapshot()
		return cond(snap)
	}, 2*time.Second, 2*time.Millisecond)
	return snap
}

func TestFreshConnectReplaysFromZero(t *testing.T) {
	s, tr, store, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "r1", 40))
	s.Connect(ctx, "r1")

	d := tr.next(t)
	assert.Equal(t, "r1", d.roomID)
	assert.Equal(t, int64(0), d.from)

	push(d, "turn_started", 1, `"round":1,"user_input":"q"`)
	push(d, "token_received", 2, `"agent_id":"skeptic","token":"hi"`)
	push(d, "token_received", 2, `"agent_id":"skeptic","token":"hi"`)
	push(d, "token_received", 3, `"agent_id":"skeptic","token":" there"`)

	snap := waitFor(t, s, func(st *room.State) bool { return st.LastAppliedOffset == 3 })
	assert.Equal(t, "r1", snap.RoomID)
	assert.Equal(t, room.LifecycleStreaming, snap.Lifecycle)
	assert.Equal(t, "hi there", snap.Buffers["skeptic"])
	assert.Equal(t, int64(3), store.Load(ctx, "r1"))
}

func TestReconnectResumesAfterWatermark(t *testing.T) {
	s, tr, store, _ := newTestSession(t)
	ctx := context.Background()

	s.Connect(ctx, "r1")
	d := tr.next(t)
	push(d, "turn_started", 1, `"round":1,"user_input":"q"`)
	push(d, "token_received", 2, `"agent_id":"a","token":"x"`)
	waitFor(t, s, func(st *room.State) bool { return st.LastAppliedOffset == 2 })

	s.Connect(ctx, "r1")
	assert.Equal(t, int64(3), tr.next(t).from)

	// a store that lags the watermark wins
	require.NoError(t, store.Save(ctx, "r1", 1))
	s.Connect(ctx, "r1")
	assert.Equal(t, int64(2), tr.next(t).from)
}

func TestConnectToOtherRoomResetsState(t *testing.T) {
	s, tr, _, _ := newTestSession(t)
	ctx := context.Background()

	s.Connect(ctx, "r1")
	d := tr.next(t)
	push(d, "turn_started", 1, `"round":1,"user_input":"q"`)
	waitFor(t, s, func(st *room.State) bool { return st.LastAppliedOffset == 1 })

	s.Connect(ctx, "r2")
	d2 := tr.next(t)
	assert.Equal(t, "r2", d2.roomID)
	assert.Equal(t, int64(0), d2.from)

	snap := s.Snapshot()
	assert.Equal(t, "r2", snap.RoomID)
	assert.Zero(t, snap.LastAppliedOffset)
	assert.Equal(t, room.LifecycleIdle, snap.Lifecycle)
}

func TestRoomIDFromNavigationWins(t *testing.T) {
	s, tr, _, _ := newTestSession(t)

	s.Connect(context.Background(), "r1")
	d := tr.next(t)
	push(d, "room_created", 1, `"id":"other","state":"idle"`)

	snap := waitFor(t, s, func(st *room.State) bool { return st.LastAppliedOffset == 1 })
	assert.Equal(t, "r1", snap.RoomID)
}

func TestDisconnectIsIdempotentAndStopsEvents(t *testing.T) {
	s, tr, _, _ := newTestSession(t)

	s.Disconnect()

	s.Connect(context.Background(), "r1")
	d := tr.next(t)
	waitFor(t, s, func(st *room.State) bool { return st.Connection == room.ConnectionConnected })

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, room.ConnectionDisconnected, s.Snapshot().Connection)

	push(d, "turn_started", 1, `"round":1,"user_input":"late"`)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.Snapshot().LastAppliedOffset)
}

func TestDroppedConnectionReportsReconnecting(t *testing.T) {
	var mu sync.Mutex
	var statuses []room.ConnectionStatus
	s, tr, _, _ := newTestSession(t, WithOnChange(func(st *room.State) {
		mu.Lock()
		statuses = append(statuses, st.Connection)
		mu.Unlock()
	}))

	s.Connect(context.Background(), "r1")
	d := tr.next(t)
	push(d, "turn_started", 4, `"round":1,"user_input":"q"`)
	waitFor(t, s, func(st *room.State) bool { return st.LastAppliedOffset == 4 })
	close(d.conn.frames)

	assert.Equal(t, int64(5), tr.next(t).from)
	waitFor(t, s, func(st *room.State) bool { return st.Connection == room.ConnectionConnected })

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, room.ConnectionReconnecting)
}

func TestCreateRoomResetsAndAdoptsID(t *testing.T) {
	s, tr, _, _ := newTestSession(t)
	ctx := context.Background()

	s.Connect(ctx, "old")
	d := tr.next(t)
	push(d, "error", 1, `"code":"x","message":"boom"`)
	waitFor(t, s, func(st *room.State) bool { return st.LastError == "boom" })

	id, err := s.CreateRoom(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "room-new", id)

	snap := s.Snapshot()
	assert.Equal(t, "room-new", snap.RoomID)
	assert.Empty(t, snap.LastError)
	assert.Zero(t, snap.LastAppliedOffset)
	assert.Equal(t, room.ConnectionDisconnected, snap.Connection)
}

func TestCreateRoomFailure(t *testing.T) {
	s, _, _, api := newTestSession(t)
	api.createErr = &apiclient.APIError{Status: http.StatusInternalServerError, Body: "down"}

	_, err := s.CreateRoom(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, MsgCreateFailed, s.Snapshot().LastError)
}

func TestSubmitAnswerRecordsClassifiedError(t *testing.T) {
	s, tr, _, api := newTestSession(t)
	ctx := context.Background()

	_, err := s.SubmitAnswer(ctx, "hello")
	assert.True(t, errors.Is(err, ErrNoRoom))

	s.Connect(ctx, "r1")
	tr.next(t)

	resp, err := s.SubmitAnswer(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Round)

	api.submitErr = &apiclient.APIError{Status: http.StatusConflict, Body: "turn in progress"}
	_, err = s.SubmitAnswer(ctx, "again")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, apiclient.StatusOf(err))
	assert.Equal(t, MsgTurnInProgress, s.Snapshot().LastError)

	api.submitErr = nil
	_, err = s.SubmitAnswer(ctx, "third")
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().LastError)
	assert.Equal(t, []string{"r1:hello", "r1:again", "r1:third"}, api.submitted)
}

func TestCancelTurn(t *testing.T) {
	s, tr, _, api := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.CancelTurn(ctx))
	assert.Empty(t, api.cancelled)

	s.Connect(ctx, "r1")
	tr.next(t)

	require.NoError(t, s.CancelTurn(ctx))
	api.cancelErr = &apiclient.APIError{Status: http.StatusConflict, Body: "nothing to cancel"}
	require.Error(t, s.CancelTurn(ctx))
	assert.Equal(t, MsgNothingToStop, s.Snapshot().LastError)
	assert.Equal(t, []string{"r1", "r1"}, api.cancelled)
}

func TestDescribeErrors(t *testing.T) {
	apiErr := func(status int) error { return &apiclient.APIError{Status: status, Body: "x"} }

	tests := []struct {
		err    error
		submit string
		cancel string
	}{
		{apiErr(http.StatusConflict), MsgTurnInProgress, MsgNothingToStop},
		{apiErr(http.StatusBadRequest), MsgInvalidInput, MsgCancelFailed},
		{apiErr(http.StatusNotFound), MsgRoomNotFound, MsgRoomNotFound},
		{apiErr(http.StatusTooManyRequests), MsgSubmitFailed, MsgCancelFailed},
		{errors.New("connection refused"), MsgSubmitFailed, MsgCancelFailed},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.submit, DescribeSubmitError(tt.err))
			assert.Equal(t, tt.cancel, DescribeCancelError(tt.err))
		})
	}
}
