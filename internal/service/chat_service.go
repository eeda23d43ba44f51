package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/eigensurance/internal/adapter"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/eigensurance/internal/types"
	"github.com/google/uuid"
)

const maxTitleRunes = 100

// ChatRepository interface for chat data operations
type ChatRepository interface {
	Save(ctx context.Context, chat *models.Chat) error
	GetByID(ctx context.Context, userID, id string) (*models.Chat, error)
	ListByUser(ctx context.Context, userID string) ([]models.ChatSummary, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// Generator interface for the assistant model
type Generator interface {
	Generate(ctx context.Context, in adapter.GenerateRequest) (*types.AssistantReply, error)
}

// Cache interface for JSON read-through caching
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Invalidate(ctx context.Context, keys ...string) error
}

// ChatService runs the conversation loop: generate, persist, dispatch
type ChatService struct {
	chats      ChatRepository
	generator  Generator
	dispatcher *ToolDispatcher
	cache      Cache
	now        func() time.Time
}

// NewChatService creates a new chat service
func NewChatService(chats ChatRepository, generator Generator, dispatcher *ToolDispatcher, cache Cache) *ChatService {
	return &ChatService{
		chats:      chats,
		generator:  generator,
		dispatcher: dispatcher,
		cache:      cache,
		now:        time.Now,
	}
}

// ChatInput is one turn of a conversation: the full history ending with the user's message
type ChatInput struct {
	ChatID      string          `json:"id,omitempty"`
	UserAddress string          `json:"-"`
	Messages    []types.Message `json:"messages"`
}

// ChatResult is the assistant's reply and, when it asked for one, the tool outcome
type ChatResult struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	ToolCall *types.ToolCall `json:"toolCall"`
	Action   *Action         `json:"action,omitempty"`
}

// Chat generates the next assistant reply, saves the conversation and
// dispatches any tool call in the reply
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (*ChatResult, error) {
	if len(in.Messages) == 0 {
		return nil, apperrors.NewInvalidInputError("messages must not be empty")
	}
	for _, m := range in.Messages {
		switch m.Role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		default:
			return nil, apperrors.NewInvalidParameterError("messages", "unknown role "+string(m.Role))
		}
	}

	user := strings.ToLower(in.UserAddress)
	id := in.ChatID
	if id == "" {
		id = uuid.NewString()
	}
	logger := logging.FromContext(ctx).WithField("chatId", id)

	reply, err := s.generator.Generate(ctx, adapter.GenerateRequest{
		Messages: in.Messages,
		System:   SystemPrompt,
	})
	if err != nil {
		logger.WithError(err).Error("Generation failed")
		return nil, err
	}

	content, err := json.Marshal(reply)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode reply", err)
	}

	now := s.now()
	messages := make([]types.Message, 0, len(in.Messages)+1)
	messages = append(messages, in.Messages...)
	messages = append(messages, types.Message{
		ID:        uuid.NewString(),
		Role:      types.RoleAssistant,
		Content:   string(content),
		CreatedAt: &now,
	})

	chat := &models.Chat{
		ID:       id,
		UserID:   user,
		Title:    chatTitle(reply.Text),
		Path:     "/chat/" + id,
		Messages: messages,
	}
	if err := s.chats.Save(ctx, chat); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("chat", id)
		}
		return nil, apperrors.NewDatabaseError("save chat", err)
	}
	s.invalidate(ctx, storage.ChatsKey(user))

	result := &ChatResult{ID: id, Text: reply.Text, ToolCall: reply.ToolCall}
	if reply.ToolCall != nil && s.dispatcher != nil {
		result.Action = s.dispatcher.Dispatch(ctx, user, id, *reply.ToolCall)
	}
	return result, nil
}

// ListChats returns the user's chats, newest first
func (s *ChatService) ListChats(ctx context.Context, address string) ([]models.ChatSummary, error) {
	key := storage.ChatsKey(address)

	var cached []models.ChatSummary
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Chat list cache read failed")
	} else if hit {
		return cached, nil
	}

	chats, err := s.chats.ListByUser(ctx, address)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list chats", err)
	}
	if err := s.cache.Set(ctx, key, chats); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Chat list cache write failed")
	}
	return chats, nil
}

// GetChat returns one of the user's chats with its messages
func (s *ChatService) GetChat(ctx context.Context, address, id string) (*models.Chat, error) {
	chat, err := s.chats.GetByID(ctx, address, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("chat", id)
		}
		return nil, apperrors.NewDatabaseError("get chat", err)
	}
	return chat, nil
}

// ClearChats deletes the user's chat history. Documents are kept.
func (s *ChatService) ClearChats(ctx context.Context, address string) (int64, error) {
	n, err := s.chats.DeleteByUser(ctx, address)
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete chats", err)
	}
	s.invalidate(ctx, storage.ChatsKey(address))
	return n, nil
}

func (s *ChatService) invalidate(ctx context.Context, key string) {
	if err := s.cache.Invalidate(ctx, key); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("Cache invalidation failed")
	}
}

// chatTitle is the first maxTitleRunes runes of the reply
func chatTitle(text string) string {
	r := []rune(text)
	if len(r) > maxTitleRunes {
		r = r[:maxTitleRunes]
	}
	return string(r)
}
