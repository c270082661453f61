package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gwi.com/artifact-chat/internal/store"
)

// ownedChat loads a chat and checks that userID owns it. notOwner is the
// error reported otherwise.
func (s *ChatService) ownedChat(ctx context.Context, userID int64, chatID string, notOwner error) (*store.Chat, error) {
	if chatID == "" {
		return nil, errors.Wrap(ErrBadRequest, "chat id is required")
	}
	chat, err := s.gateway.GetChat(ctx, chatID)
	if err != nil {
		return nil, persistenceError(err, "chat %s", chatID)
	}
	if chat.UserID != userID {
		return nil, errors.Wrapf(notOwner, "chat %s belongs to another user", chatID)
	}
	return chat, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, userID int64, chatID string) error {
	if _, err := s.ownedChat(ctx, userID, chatID, ErrForbidden); err != nil {
		return err
	}
	if err := s.gateway.DeleteChat(ctx, chatID); err != nil {
		return persistenceError(err, "delete chat %s", chatID)
	}
	log.WithField("chat", chatID).Info("chat deleted")
	return nil
}

// History lists the caller's chats, newest first.
func (s *ChatService) History(ctx context.Context, userID int64) ([]store.Chat, error) {
	chats, err := s.gateway.ListChats(ctx, userID)
	if err != nil {
		return nil, persistenceError(err, "list chats for user %d", userID)
	}
	return chats, nil
}

func (s *ChatService) Messages(ctx context.Context, userID int64, chatID string) ([]store.Message, error) {
	chat, err := s.gateway.GetChat(ctx, chatID)
	if err != nil {
		return nil, persistenceError(err, "chat %s", chatID)
	}
	// Public chats are readable by anyone signed in.
	if chat.Visibility != store.VisibilityPublic && chat.UserID != userID {
		return nil, errors.Wrapf(ErrForbidden, "chat %s is private", chatID)
	}
	msgs, err := s.gateway.GetMessages(ctx, chatID)
	if err != nil {
		return nil, persistenceError(err, "messages for chat %s", chatID)
	}
	return msgs, nil
}

func (s *ChatService) UpdateVisibility(ctx context.Context, userID int64, chatID string, visibility store.Visibility) error {
	if !visibility.Valid() {
		return errors.Wrapf(ErrBadRequest, "invalid visibility %q", visibility)
	}
	if _, err := s.ownedChat(ctx, userID, chatID, ErrForbidden); err != nil {
		return err
	}
	return persistenceError(s.gateway.UpdateChatVisibility(ctx, chatID, visibility), "update visibility of chat %s", chatID)
}

// DeleteMessagesAfter drops the messages created after ts, with their votes,
// so a turn can be edited and retried.
func (s *ChatService) DeleteMessagesAfter(ctx context.Context, userID int64, chatID string, ts time.Time) ([]string, error) {
	if ts.IsZero() {
		return nil, errors.Wrap(ErrBadRequest, "timestamp is required")
	}
	if _, err := s.ownedChat(ctx, userID, chatID, ErrForbidden); err != nil {
		return nil, err
	}
	ids, err := s.gateway.DeleteMessagesAfter(ctx, chatID, ts)
	if err != nil {
		return nil, persistenceError(err, "delete messages of chat %s", chatID)
	}
	return ids, nil
}

func (s *ChatService) Votes(ctx context.Context, userID int64, chatID string) ([]store.Vote, error) {
	if _, err := s.ownedChat(ctx, userID, chatID, ErrUnauthorized); err != nil {
		return nil, err
	}
	votes, err := s.gateway.GetVotes(ctx, chatID)
	if err != nil {
		return nil, persistenceError(err, "votes of chat %s", chatID)
	}
	return votes, nil
}

// Vote records an "up" or "down" vote, replacing any earlier vote on the
// same message.
func (s *ChatService) Vote(ctx context.Context, userID int64, chatID, messageID, voteType string) error {
	if messageID == "" || (voteType != "up" && voteType != "down") {
		return errors.Wrap(ErrBadRequest, "messageId and type up or down are required")
	}
	if _, err := s.ownedChat(ctx, userID, chatID, ErrUnauthorized); err != nil {
		return err
	}
	msg, err := s.gateway.GetMessage(ctx, messageID)
	if err != nil {
		return persistenceError(err, "message %s", messageID)
	}
	if msg.ChatID != chatID {
		return errors.Wrapf(ErrNotFound, "message %s in chat %s", messageID, chatID)
	}
	return persistenceError(s.gateway.UpsertVote(ctx, chatID, messageID, voteType == "up"), "vote on message %s", messageID)
}
