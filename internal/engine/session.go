package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"verdant/internal/provider"
)

// Session is one dialogue's transcript. Messages are append-only; a session
// that sits idle past the engine's threshold is discarded wholesale.
type Session struct {
	ID           string
	Messages     []provider.ChatMessage
	LastActivity time.Time
}

// NewSession seeds a fresh transcript with the system preamble.
func NewSession(systemPrompt string, now time.Time) *Session {
	return &Session{
		ID: uuid.NewString(),
		Messages: []provider.ChatMessage{
			{Role: provider.RoleSystem, Content: systemPrompt},
		},
		LastActivity: now,
	}
}

// ChatPrompt is the system preamble for the dialogue, personalized with the
// user's name.
func ChatPrompt(name string) string {
	return fmt.Sprintf("You are a supportive partner helping a user named %s to track and lower their carbon footprint and emissions. Given a query or request from the user, call the most appropriate function to complete your response. DO NOT assume what values to pass into functions, instead ask the user for more information. When you aren't certain you understand a request feel free to ask for clarification. Respond as concisely and naturally as possible, with basic wording, and in only one to two sentences. Your goal is to help the user live more environmentally friendly.", name)
}
