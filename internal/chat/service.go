package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/strandchat/strand/internal/db"
	"github.com/strandchat/strand/internal/models"
	"github.com/strandchat/strand/internal/ollama"
	"go.uber.org/zap"
)

// DefaultTitle marks a conversation that has not been named yet; it is
// replaced by an auto-generated title after the first completed exchange.
const DefaultTitle = "New conversation"

type Options struct {
	DefaultModel string
	SystemPrompt string
	// HistoryTokenBudget caps the replayed history; oldest turns are
	// dropped first. Zero disables trimming.
	HistoryTokenBudget int
}

// Service runs generation attempts against the branching conversation tree.
// At most one attempt is in flight per conversation; a second caller gets
// ErrBusy instead of queueing.
type Service struct {
	db     *db.Database
	client *ollama.Client
	titler *Titler
	locks  *lockTable
	tokens *tokenCounter
	opts   Options
	logger *zap.Logger
}

func New(database *db.Database, client *ollama.Client, titler *Titler, opts Options, logger *zap.Logger) *Service {
	return &Service{
		db:     database,
		client: client,
		titler: titler,
		locks:  newLockTable(),
		tokens: newTokenCounter(),
		opts:   opts,
		logger: logger,
	}
}

// CreateConversation creates an empty conversation, seeding the configured
// system prompt as its root message.
func (s *Service) CreateConversation(ctx context.Context, userID, title, model string) (*models.Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	if model == "" {
		model = s.opts.DefaultModel
	}

	conv, err := s.db.CreateConversation(ctx, userID, title, model)
	if err != nil {
		return nil, err
	}

	if s.opts.SystemPrompt != "" {
		sys := &models.Message{
			ID:        uuid.NewString(),
			ConvID:    conv.ID,
			Role:      models.RoleSystem,
			Status:    models.StatusComplete,
			Content:   s.opts.SystemPrompt,
			CreatedAt: time.Now().UTC(),
			Active:    true,
		}
		if err := s.db.AppendMessage(ctx, sys); err != nil {
			return nil, fmt.Errorf("failed to seed system prompt: %w", err)
		}
	}
	return conv, nil
}

// ListConversations returns a user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.db.ListConversations(ctx, userID)
}

func (s *Service) RenameConversation(ctx context.Context, convID, title string) error {
	return s.db.UpdateConversationTitle(ctx, convID, title)
}

func (s *Service) DeleteConversation(ctx context.Context, convID string) error {
	return s.db.DeleteConversation(ctx, convID)
}

// GetActivePath returns the conversation as currently displayed.
func (s *Service) GetActivePath(ctx context.Context, convID string) ([]models.Message, error) {
	return s.db.GetActivePath(ctx, convID)
}

// GetFullConversation returns the conversation with its complete message
// tree, deactivated branches included.
func (s *Service) GetFullConversation(ctx context.Context, convID string) (*models.Conversation, []models.Message, error) {
	conv, err := s.db.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.db.GetMessages(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// Generate runs one generation attempt: it appends the user turn as the new
// active leaf, creates a pending assistant message under it, streams the
// backend's answer into out, and persists the terminal state. out is closed
// in every path. The context governs cancellation end to end; a cancelled
// attempt persists whatever content had accumulated with status cancelled
// and ends the stream without a terminal chunk.
func (s *Service) Generate(ctx context.Context, convID, content, model string, out chan<- models.StreamChunk) error {
	defer close(out)

	if !s.locks.TryAcquire(convID) {
		return models.ErrBusy
	}
	defer s.locks.Release(convID)

	conv, err := s.db.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	model = s.pickModel(model, conv)

	path, err := s.db.GetActivePath(ctx, convID)
	if err != nil {
		return err
	}
	var parentID *string
	if len(path) > 0 {
		parentID = &path[len(path)-1].ID
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		ConvID:    convID,
		ParentID:  parentID,
		Role:      models.RoleUser,
		Status:    models.StatusComplete,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if err := s.db.AppendMessage(ctx, userMsg); err != nil {
		return err
	}

	asst := s.newAssistantMessage(convID, &userMsg.ID, model)
	if err := s.db.AppendMessage(ctx, asst); err != nil {
		return err
	}

	history := append(path, *userMsg)
	return s.stream(ctx, conv, asst, model, history, out)
}

// Regenerate retries the answer to an existing turn. The original assistant
// message must be the active leaf; it is deactivated, a new sibling is
// created under the same parent, and the preceding user turn is replayed
// from history rather than re-sent. History is never lost: the superseded
// message stays retrievable by id.
func (s *Service) Regenerate(ctx context.Context, convID, messageID, model string, out chan<- models.StreamChunk) error {
	defer close(out)

	if !s.locks.TryAcquire(convID) {
		return models.ErrBusy
	}
	defer s.locks.Release(convID)

	conv, err := s.db.GetConversation(ctx, convID)
	if err != nil {
		return err
	}

	orig, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if orig.ConvID != convID {
		return models.ErrNotFound
	}
	if orig.Role != models.RoleAssistant || !orig.Active {
		return models.ErrInvalidState
	}

	// Only the current leaf may be regenerated: deactivating a mid-path
	// message would orphan its active descendants.
	path, err := s.db.GetActivePath(ctx, convID)
	if err != nil {
		return err
	}
	if len(path) == 0 || path[len(path)-1].ID != orig.ID {
		return models.ErrInvalidState
	}

	if model == "" && orig.Model != nil {
		model = *orig.Model
	}
	model = s.pickModel(model, conv)

	asst := s.newAssistantMessage(convID, orig.ParentID, model)
	if err := s.db.SwapActiveSibling(ctx, orig.ID, asst); err != nil {
		return err
	}

	history := path[:len(path)-1]
	return s.stream(ctx, conv, asst, model, history, out)
}

func (s *Service) pickModel(model string, conv *models.Conversation) string {
	if model == "" {
		model = conv.Model
	}
	if model == "" {
		model = s.opts.DefaultModel
	}
	return model
}

func (s *Service) newAssistantMessage(convID string, parentID *string, model string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		ConvID:    convID,
		ParentID:  parentID,
		Role:      models.RoleAssistant,
		Status:    models.StatusPending,
		Model:     &model,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
}

// stream drives the bridge and relays its events to out in order, then
// persists the terminal state. history ends with the user turn being
// answered; earlier turns are replayed role-tagged, or folded into a
// continuation token when none survive.
func (s *Service) stream(ctx context.Context, conv *models.Conversation, msg *models.Message, model string, history []models.Message, out chan<- models.StreamChunk) error {
	events, err := s.openStream(ctx, model, history)
	if err != nil {
		s.persistFailure(ctx, msg, "", models.StatusError)
		s.sendChunk(ctx, out, models.StreamChunk{Error: "backend unavailable", Done: true})
		return fmt.Errorf("backend unavailable: %w", err)
	}

	var sb strings.Builder
	streaming := false
	for {
		select {
		case <-ctx.Done():
			return s.cancelled(ctx, msg, sb.String())
		case ev, ok := <-events:
			if !ok {
				// Producer stopped without a terminal event; only
				// cancellation truncates the stream silently.
				return s.cancelled(ctx, msg, sb.String())
			}
			switch {
			case ev.Err != "" && !ev.Done:
				// One undecodable line; the stream continues.
				if !s.sendChunk(ctx, out, models.StreamChunk{Error: ev.Err}) {
					return s.cancelled(ctx, msg, sb.String())
				}

			case ev.Err != "":
				s.persistFailure(ctx, msg, sb.String(), models.StatusError)
				s.sendChunk(ctx, out, models.StreamChunk{Error: ev.Err, Done: true})
				return fmt.Errorf("generation failed: %s", ev.Err)

			case ev.Done:
				if err := s.db.UpdateMessage(ctx, msg.ID, sb.String(), models.StatusComplete, ev.Metadata, ev.Context); err != nil {
					s.sendChunk(ctx, out, models.StreamChunk{Error: "failed to persist response", Done: true})
					return fmt.Errorf("failed to persist response: %w", err)
				}
				s.sendChunk(ctx, out, models.StreamChunk{Done: true})
				s.maybeTitle(conv, history)
				return nil

			case ev.Content != "":
				if !streaming {
					streaming = true
					if err := s.db.UpdateMessage(ctx, msg.ID, sb.String(), models.StatusStreaming, nil, nil); err != nil {
						s.sendChunk(ctx, out, models.StreamChunk{Error: "failed to persist response", Done: true})
						return fmt.Errorf("failed to persist response: %w", err)
					}
				}
				if !s.sendChunk(ctx, out, models.StreamChunk{Content: ev.Content}) {
					// Undelivered fragment: keep the persisted content in
					// step with what the consumer actually received.
					return s.cancelled(ctx, msg, sb.String())
				}
				sb.WriteString(ev.Content)
			}
		}
	}
}

// openStream picks the request shape: role-tagged chat when prior turns
// survive the token budget, flat generate with the nearest continuation
// token when they don't.
func (s *Service) openStream(ctx context.Context, model string, history []models.Message) (<-chan ollama.Event, error) {
	trimmed := trimToBudget(s.tokens, history, s.opts.HistoryTokenBudget)
	last := trimmed[len(trimmed)-1]

	var system string
	prior := 0
	for _, m := range trimmed[:len(trimmed)-1] {
		if m.Role == models.RoleSystem {
			system = m.Content
			continue
		}
		prior++
	}

	if prior == 0 {
		return s.client.StreamGenerate(ctx, ollama.GenerateRequest{
			Model:   model,
			Prompt:  last.Content,
			System:  system,
			Context: lastContext(history),
		})
	}

	msgs := make([]ollama.ChatMessage, 0, len(trimmed))
	for _, m := range trimmed {
		msgs = append(msgs, ollama.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return s.client.StreamChat(ctx, ollama.ChatRequest{Model: model, Messages: msgs})
}

// lastContext finds the continuation token of the most recent assistant
// message, if any. It scans the untrimmed history so a token survives even
// when budget trimming dropped the turn that produced it.
func lastContext(history []models.Message) json.RawMessage {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && len(history[i].Context) > 0 {
			return history[i].Context
		}
	}
	return nil
}

// cancelled persists the partial content before the lock is released, so
// the next attempt sees consistent state. The write runs on a detached
// context; the caller's is already dead.
func (s *Service) cancelled(ctx context.Context, msg *models.Message, content string) error {
	s.persistFailure(ctx, msg, content, models.StatusCancelled)
	s.logger.Info("generation cancelled",
		zap.String("message_id", msg.ID),
		zap.Int("partial_bytes", len(content)))
	return context.Canceled
}

func (s *Service) persistFailure(ctx context.Context, msg *models.Message, content string, status models.Status) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.db.UpdateMessage(dctx, msg.ID, content, status, nil, nil); err != nil {
		s.logger.Error("failed to persist terminal message state",
			zap.Error(err),
			zap.String("message_id", msg.ID),
			zap.String("status", string(status)))
	}
}

func (s *Service) sendChunk(ctx context.Context, out chan<- models.StreamChunk, chunk models.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// maybeTitle names a still-untitled conversation from its first user turn.
// Runs detached so it never delays the stream's terminal chunk.
func (s *Service) maybeTitle(conv *models.Conversation, history []models.Message) {
	if s.titler == nil || conv.Title != DefaultTitle {
		return
	}
	var first string
	for _, m := range history {
		if m.Role == models.RoleUser {
			first = m.Content
			break
		}
	}
	if first == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		title, err := s.titler.Title(ctx, first)
		if err != nil {
			s.logger.Warn("title generation failed, using snippet",
				zap.Error(err),
				zap.String("conversation_id", conv.ID))
			title = fallbackTitle(first)
		}
		if err := s.db.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
			s.logger.Warn("failed to store conversation title",
				zap.Error(err),
				zap.String("conversation_id", conv.ID))
		}
	}()
}
