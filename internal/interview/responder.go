package interview

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/manpreetbhatti/parley/internal/scenery"
)

// Responder produces one agent's full reply to a user answer.
type Responder interface {
	Respond(ctx context.Context, scn scenery.Scenery, agent scenery.Agent, round int, userInput string) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, scn scenery.Scenery, agent scenery.Agent, round int, userInput string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, scn scenery.Scenery, agent scenery.Agent, round int, userInput string) (string, error) {
	return f(ctx, scn, agent, round, userInput)
}

var followUps = map[string][]string{
	"db-surgeon": {
		"Which index serves that query, and what happens when it is missing?",
		"Where does the source of truth live once you shard it?",
		"How do you migrate that schema without taking writes offline?",
	},
	"performance-nerd": {
		"What is the p99 on that path, and where does the time go?",
		"How many allocations does one request make?",
		"What saturates first when traffic doubles?",
	},
	"skeptic": {
		"Why would anyone need that at all?",
		"What did you assume that you have not checked?",
		"What breaks first if you are wrong?",
	},
}

var genericFollowUps = []string{
	"Can you walk me through that in more detail?",
	"What trade-off did you make there?",
	"How would you test it?",
}

// ScriptedResponder answers deterministically from the agent, round and
// input. It needs no model backend.
type ScriptedResponder struct{}

func (ScriptedResponder) Respond(ctx context.Context, scn scenery.Scenery, agent scenery.Agent, round int, userInput string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	options, ok := followUps[agent.ID]
	if !ok {
		options = genericFollowUps
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%d|%s", agent.ID, round, userInput)
	question := options[int(h.Sum32()%uint32(len(options)))]

	return fmt.Sprintf("%s here. You said %q. %s", scn.DisplayName(agent.ID), summarize(userInput, 8), question), nil
}

// summarize keeps the first n words of s.
func summarize(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ") + "..."
}
