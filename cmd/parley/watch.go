package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/parley/internal/apiclient"
	"github.com/manpreetbhatti/parley/internal/offsets"
	"github.com/manpreetbhatti/parley/internal/room"
	"github.com/manpreetbhatti/parley/internal/scenery"
	"github.com/manpreetbhatti/parley/internal/session"
	"github.com/manpreetbhatti/parley/internal/stream"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var transportKind string

	cmd := &cobra.Command{
		Use:   "watch <room>",
		Short: "Follow a room live",
		Long:  "Streams a room's history and live turns to the terminal, resuming from the last seen offset after reconnects. Ctrl-C stops watching.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if transportKind != "" {
				opts.cfg.Client.Transport = transportKind
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), opts, args[0])
		},
	}

	cmd.Flags().StringVar(&transportKind, "transport", "", "feed transport: websocket or sse (overrides client.transport)")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, opts *rootOptions, roomID string) error {
	cfg := opts.cfg

	client, err := apiclient.New(cfg.Client.ServerURL)
	if err != nil {
		return err
	}
	info, err := client.GetRoom(ctx, roomID)
	if err != nil {
		if apiclient.StatusOf(err) == http.StatusNotFound {
			return errors.New(session.MsgRoomNotFound)
		}
		return errors.Wrap(err, "look up room")
	}

	transport, err := stream.NewTransport(cfg.Client.Transport, cfg.Client.ServerURL)
	if err != nil {
		return err
	}
	store, err := offsets.Open(ctx, offsets.Config{
		Backend:   cfg.Client.Offsets.Backend,
		Path:      cfg.Client.Offsets.Path,
		RedisAddr: cfg.Redis.Addr,
	})
	if err != nil {
		return errors.Wrap(err, "open offset store")
	}
	defer store.Close()

	r := newRenderer(out, agentNamer(ctx, client, info.SceneryID))
	streamer := stream.NewClient(transport,
		stream.WithBackoff(stream.BackoffPolicy{Initial: cfg.Client.Backoff.Initial, Max: cfg.Client.Backoff.Max}),
		stream.WithLogger(log.Logger),
	)
	sess := session.New(streamer, store, client, session.WithOnChange(r.render))
	defer sess.Close()

	fmt.Fprintf(out, "Watching room %s (%s). Ctrl-C to stop.\n", roomID, info.SceneryID)
	sess.Connect(ctx, roomID)

	<-ctx.Done()
	fmt.Fprintln(out)
	return nil
}

// agentNamer resolves display names from the room's scenery, falling back
// to the built-in names when the server does not know it.
func agentNamer(ctx context.Context, client *apiclient.Client, sceneryID string) func(string) string {
	sceneries, err := client.ListSceneries(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("list sceneries")
		return scenery.DefaultAgentName
	}
	for _, s := range sceneries {
		if s.ID != sceneryID {
			continue
		}
		names := make(map[string]string, len(s.Agents))
		for _, a := range s.Agents {
			names[a.ID] = a.Name
		}
		return func(id string) string {
			if name := names[id]; name != "" {
				return name
			}
			return scenery.DefaultAgentName(id)
		}
	}
	return scenery.DefaultAgentName
}

// renderer prints the difference between successive snapshots, so streamed
// tokens appear as they arrive and each finished round is printed once.
type renderer struct {
	mu   sync.Mutex
	out  io.Writer
	name func(string) string

	turns      int
	round      int
	agent      string
	printed    map[string]int
	connection room.ConnectionStatus
	lastError  string
}

func newRenderer(out io.Writer, name func(string) string) *renderer {
	return &renderer{out: out, name: name, printed: map[string]int{}}
}

func (r *renderer) render(s *room.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Connection != r.connection {
		r.connection = s.Connection
		if s.Connection == room.ConnectionReconnecting {
			r.endLine()
			fmt.Fprintln(r.out, "[reconnecting]")
		}
	}

	if s.Lifecycle == room.LifecycleStreaming && s.CurrentRound != r.round {
		r.endLine()
		r.round = s.CurrentRound
		r.printed = map[string]int{}
		fmt.Fprintf(r.out, "\n== Round %d: %s\n", s.CurrentRound, s.CurrentUserInput)
	}

	for _, resp := range s.StreamingResponses() {
		done := r.printed[resp.AgentID]
		if len(resp.Content) <= done {
			continue
		}
		if r.agent != resp.AgentID {
			r.endLine()
			fmt.Fprintf(r.out, "%s: ", r.name(resp.AgentID))
			r.agent = resp.AgentID
		}
		fmt.Fprint(r.out, resp.Content[done:])
		r.printed[resp.AgentID] = len(resp.Content)
	}

	for ; r.turns < len(s.Turns); r.turns++ {
		r.renderTurn(s.Turns[r.turns])
	}

	if s.LastError != r.lastError {
		r.lastError = s.LastError
		if s.LastError != "" {
			r.endLine()
			fmt.Fprintf(r.out, "! %s\n", s.LastError)
		}
	}
}

// renderTurn prints a finished round. Responses already streamed in full are
// not repeated.
func (r *renderer) renderTurn(t room.TurnRecord) {
	r.endLine()
	if t.Round != r.round {
		fmt.Fprintf(r.out, "\n== Round %d: %s\n", t.Round, t.UserInput)
	}
	for _, resp := range t.Responses {
		if t.Round == r.round && r.printed[resp.AgentID] == len(resp.Content) {
			continue
		}
		fmt.Fprintf(r.out, "%s: %s\n", r.name(resp.AgentID), resp.Content)
	}
	fmt.Fprintf(r.out, "-- round %d finished\n", t.Round)
	r.round = t.Round
	r.printed = map[string]int{}
}

func (r *renderer) endLine() {
	if r.agent != "" {
		fmt.Fprintln(r.out)
		r.agent = ""
	}
}
