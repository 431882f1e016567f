// Package engine orchestrates dialogue turns: session lifecycle, the
// model/tool round loop, moderation, and speech synthesis of the final
// reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"verdant/internal/logging"
	"verdant/internal/provider"
	"verdant/internal/tools"
)

// Engine errors.
var (
	// ErrTurnInFlight rejects a turn that arrives while another is
	// running. The trigger hardware is single-actuator, but the engine
	// enforces the policy itself.
	ErrTurnInFlight = errors.New("a turn is already in progress")

	// ErrFlagged aborts a turn whose utterance failed moderation.
	ErrFlagged = errors.New("utterance flagged by moderation")

	// ErrEmptyUtterance is returned when transcription produced nothing.
	ErrEmptyUtterance = errors.New("empty utterance")
)

// roundCapReply is the forced terminal response when the model keeps
// requesting tools past the round cap.
const roundCapReply = "I wasn't able to finish that request. Could you give me more details or try rephrasing it?"

// Config tunes the engine.
type Config struct {
	// SystemPrompt seeds every new session.
	SystemPrompt string

	// IdleTimeout expires a session that has not seen a turn recently.
	IdleTimeout time.Duration

	// MaxRounds caps model/tool rounds within one turn.
	MaxRounds int
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	SessionID string
	Text      string
	AudioPath string
	Rounds    int
}

// Engine runs dialogue turns. One turn at a time; overlapping turns fail
// fast rather than queue.
type Engine struct {
	provider provider.Client
	registry *tools.Registry
	cfg      Config

	mu      sync.Mutex
	session *Session

	// now is injectable for session-expiry tests.
	now func() time.Time

	log *zap.Logger
}

// New builds an engine with defaults applied: 10 minute idle timeout,
// 8 round cap.
func New(p provider.Client, reg *tools.Registry, cfg Config) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	return &Engine{
		provider: p,
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.Named("engine"),
	}
}

// HandleAudio transcribes an utterance and runs it as a turn.
func (e *Engine) HandleAudio(ctx context.Context, audio io.Reader) (*TurnResult, error) {
	utterance, err := e.provider.Transcribe(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("failed to transcribe utterance: %w", err)
	}
	if strings.TrimSpace(utterance) == "" {
		return nil, ErrEmptyUtterance
	}
	return e.Turn(ctx, utterance)
}

// Turn runs one full dialogue turn: moderation, the model/tool round loop,
// session commit, and synthesis of the final reply. Tool failures stay
// inside their round as tool messages; only moderation flags and provider
// failures abort the turn.
func (e *Engine) Turn(ctx context.Context, utterance string) (*TurnResult, error) {
	if !e.mu.TryLock() {
		return nil, ErrTurnInFlight
	}
	defer e.mu.Unlock()

	flagged, err := e.provider.Moderate(ctx, utterance)
	if err != nil {
		return nil, fmt.Errorf("failed to moderate utterance: %w", err)
	}
	if flagged {
		e.log.Warn("utterance flagged, turn aborted")
		return nil, ErrFlagged
	}

	now := e.now()
	if e.session == nil || now.Sub(e.session.LastActivity) > e.cfg.IdleTimeout {
		e.session = NewSession(e.cfg.SystemPrompt, now)
		e.log.Debug("session started", zap.String("session", e.session.ID))
	}
	sess := e.session

	// The transcript is extended on a working copy and committed only
	// when the turn completes, so a provider failure mid-turn leaves the
	// session exactly as the previous turn left it.
	working := append([]provider.ChatMessage(nil), sess.Messages...)
	working = append(working, provider.ChatMessage{
		Role:    provider.RoleUser,
		Content: utterance,
	})

	// The catalog goes out on the first round, and again only after a
	// view description lands new context worth acting on.
	offerTools := true
	rounds := 0
	var final provider.ChatMessage

	for {
		if rounds >= e.cfg.MaxRounds {
			e.log.Warn("round cap reached, forcing clarification",
				zap.Int("rounds", rounds))
			final = provider.ChatMessage{
				Role:    provider.RoleAssistant,
				Content: roundCapReply,
			}
			break
		}

		var defs []provider.ToolDefinition
		if offerTools {
			defs = e.registry.Definitions()
		}
		reply, err := e.provider.ChatCompletion(ctx, working, defs)
		if err != nil {
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}
		rounds++

		if len(reply.ToolCalls) == 0 {
			final = *reply
			break
		}

		working = append(working, *reply)
		results, report := e.registry.Dispatch(ctx, reply.ToolCalls)
		working = append(working, results...)
		offerTools = report.ViewDescribed
	}

	working = append(working, final)
	sess.Messages = working
	sess.LastActivity = e.now()

	result := &TurnResult{
		SessionID: sess.ID,
		Text:      final.Content,
		Rounds:    rounds,
	}
	if final.Content == "" {
		return result, nil
	}

	audioPath, err := e.provider.Synthesize(ctx, final.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize reply: %w", err)
	}
	result.AudioPath = audioPath
	return result, nil
}

// SessionID exposes the current session's id, empty when none is live.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ID
}
