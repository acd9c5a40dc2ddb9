package room

import "errors"

var (
	// ErrRoomExists is returned by CreateRoom/CreateAIRoom when a room by
	// that name is already registered (spec section 4.5's uniqueness
	// invariant).
	ErrRoomExists = errors.New("room: already exists")

	// ErrEmptySystemPrompt is returned by CreateAIRoom when called with an
	// empty prompt, which would violate the isAI/prompt invariant (spec
	// section 3).
	ErrEmptySystemPrompt = errors.New("room: AI room requires a non-empty system prompt")
)
