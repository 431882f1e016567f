package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdant/internal/provider"
	"verdant/internal/tools"
)

// scriptedProvider replays canned chat replies and records what it saw.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []provider.ChatMessage
	seen    [][]provider.ToolDefinition
	calls   int
	flagged bool
	entered chan struct{}
	block   chan struct{}
}

func (p *scriptedProvider) ChatCompletion(_ context.Context, _ []provider.ChatMessage, defs []provider.ToolDefinition) (*provider.ChatMessage, error) {
	if p.entered != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, defs)
	if p.calls >= len(p.script) {
		return nil, errors.New("script exhausted")
	}
	reply := p.script[p.calls]
	p.calls++
	return &reply, nil
}

func (p *scriptedProvider) Moderate(_ context.Context, _ string) (bool, error) {
	return p.flagged, nil
}

func (p *scriptedProvider) Synthesize(_ context.Context, text string) (string, error) {
	return fmt.Sprintf("/tmp/reply-%d.mp3", len(text)), nil
}

func (p *scriptedProvider) Transcribe(_ context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	return string(data), err
}

func (p *scriptedProvider) DescribeImage(_ context.Context, _ string, _ []byte) (string, error) {
	return "a plastic water bottle", nil
}

func (p *scriptedProvider) chatCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) defsSeen() [][]provider.ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen
}

func assistantToolCall(id, name, args string) provider.ChatMessage {
	return provider.ChatMessage{
		Role: provider.RoleAssistant,
		ToolCalls: []provider.ToolCall{{
			ID:   id,
			Type: "function",
			Function: provider.FunctionCall{
				Name:      name,
				Arguments: args,
			},
		}},
	}
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Tool{
		Name: "calculate_emissions",
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("Emissions calculated: 2.50 Kilograms CO2e for %v", args["activity"]), nil
		},
	})
	reg.MustRegister(&tools.Tool{
		Name: tools.DescribeViewTool,
		Execute: func(_ context.Context, _ map[string]any) (string, error) {
			return "a plastic water bottle", nil
		},
	})
	return reg
}

func messageRoles(msgs []provider.ChatMessage) []string {
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	return roles
}

func TestTurnEndToEnd(t *testing.T) {
	p := &scriptedProvider{script: []provider.ChatMessage{
		assistantToolCall("call_1", "calculate_emissions",
			`{"activity":"plastic water bottle","activity_value":1,"activity_unit":"money"}`),
		{Role: provider.RoleAssistant, Content: "That bottle is about 2.5 kilograms of CO2e."},
	}}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: ChatPrompt("Sam")})

	res, err := e.Turn(context.Background(), "how bad is this water bottle?")
	require.NoError(t, err)

	assert.Equal(t, "That bottle is about 2.5 kilograms of CO2e.", res.Text)
	assert.Equal(t, 2, res.Rounds)
	assert.NotEmpty(t, res.AudioPath, "a spoken reply must be synthesized")

	wantRoles := []string{
		provider.RoleSystem,
		provider.RoleUser,
		provider.RoleAssistant, // tool call request
		provider.RoleTool,      // tool result
		provider.RoleAssistant, // final reply
	}
	if diff := cmp.Diff(wantRoles, messageRoles(e.session.Messages)); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "call_1", e.session.Messages[3].ToolCallID)
	assert.Contains(t, e.session.Messages[3].Content, "2.50 Kilograms CO2e")

	// Catalog on round one, withheld on round two.
	defs := p.defsSeen()
	require.Len(t, defs, 2)
	assert.NotEmpty(t, defs[0])
	assert.Empty(t, defs[1])
}

func TestTurnPairsEveryToolCall(t *testing.T) {
	first := assistantToolCall("call_a", "calculate_emissions", `{"activity":"beef"}`)
	first.ToolCalls = append(first.ToolCalls, provider.ToolCall{
		ID:       "call_b",
		Type:     "function",
		Function: provider.FunctionCall{Name: "no_such_tool", Arguments: `{}`},
	})
	p := &scriptedProvider{script: []provider.ChatMessage{
		first,
		{Role: provider.RoleAssistant, Content: "done"},
	}}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys"})

	_, err := e.Turn(context.Background(), "two things at once")
	require.NoError(t, err)

	// Both requests got a tool message, in order, failure included.
	msgs := e.session.Messages
	require.Len(t, msgs, 6)
	assert.Equal(t, "call_a", msgs[3].ToolCallID)
	assert.Equal(t, "call_b", msgs[4].ToolCallID)
	assert.Contains(t, msgs[4].Content, "tool not found")
}

func TestToolsReofferedAfterViewDescription(t *testing.T) {
	p := &scriptedProvider{script: []provider.ChatMessage{
		assistantToolCall("call_1", tools.DescribeViewTool, `{}`),
		assistantToolCall("call_2", "calculate_emissions", `{"activity":"plastic water bottle"}`),
		{Role: provider.RoleAssistant, Content: "around 2.5 kilograms"},
	}}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys"})

	_, err := e.Turn(context.Background(), "what's the impact of this?")
	require.NoError(t, err)

	// A view description adds context worth acting on, so the catalog
	// goes out again on the following round.
	defs := p.defsSeen()
	require.Len(t, defs, 3)
	assert.NotEmpty(t, defs[0])
	assert.NotEmpty(t, defs[1])
	assert.Empty(t, defs[2])
}

func TestSessionExpiry(t *testing.T) {
	p := &scriptedProvider{script: []provider.ChatMessage{
		{Role: provider.RoleAssistant, Content: "hello"},
		{Role: provider.RoleAssistant, Content: "hello again"},
	}}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys"})

	base := time.Now()
	e.now = func() time.Time { return base }
	_, err := e.Turn(context.Background(), "hi")
	require.NoError(t, err)
	firstID := e.session.ID
	assert.Len(t, e.session.Messages, 3)

	// Eleven minutes of silence exceeds the ten minute threshold: the
	// next turn starts over with just the preamble and the new utterance.
	e.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = e.Turn(context.Background(), "still there?")
	require.NoError(t, err)

	assert.NotEqual(t, firstID, e.session.ID)
	roles := messageRoles(e.session.Messages)
	require.GreaterOrEqual(t, len(roles), 2)
	assert.Equal(t, []string{provider.RoleSystem, provider.RoleUser}, roles[:2])
	assert.Equal(t, "still there?", e.session.Messages[1].Content)
}

func TestModerationAbortsBeforeAnything(t *testing.T) {
	p := &scriptedProvider{flagged: true}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys"})

	_, err := e.Turn(context.Background(), "something nasty")
	require.ErrorIs(t, err, ErrFlagged)
	assert.Equal(t, 0, p.chatCalls(), "no model call after a flag")
	assert.Nil(t, e.session, "a flagged utterance never touches the session")
}

func TestRoundCapForcesClarification(t *testing.T) {
	// The model never stops asking for tools.
	loop := assistantToolCall("call_x", "calculate_emissions", `{"activity":"beef"}`)
	p := &scriptedProvider{script: []provider.ChatMessage{loop, loop, loop, loop}}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys", MaxRounds: 2})

	res, err := e.Turn(context.Background(), "calculate forever")
	require.NoError(t, err)
	assert.Equal(t, roundCapReply, res.Text)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 2, p.chatCalls(), "the cap bounds model calls")
}

func TestConcurrentTurnRejected(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := &scriptedProvider{
		script:  []provider.ChatMessage{{Role: provider.RoleAssistant, Content: "ok"}},
		entered: entered,
		block:   block,
	}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys"})

	done := make(chan error, 1)
	go func() {
		_, err := e.Turn(context.Background(), "first")
		done <- err
	}()

	// Wait until the first turn holds the gate mid-completion.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first turn never reached the provider")
	}

	_, err := e.Turn(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(block)
	require.NoError(t, <-done)
}

func TestHandleAudio(t *testing.T) {
	p := &scriptedProvider{script: []provider.ChatMessage{
		{Role: provider.RoleAssistant, Content: "you've emitted 12 kilograms today"},
	}}
	e := New(p, newTestRegistry(t), Config{SystemPrompt: "sys"})

	res, err := e.HandleAudio(context.Background(), strings.NewReader("how much have I emitted today"))
	require.NoError(t, err)
	assert.Equal(t, "you've emitted 12 kilograms today", res.Text)
	assert.Equal(t, "how much have I emitted today", e.session.Messages[1].Content)

	_, err = e.HandleAudio(context.Background(), strings.NewReader("   "))
	assert.ErrorIs(t, err, ErrEmptyUtterance)
}
