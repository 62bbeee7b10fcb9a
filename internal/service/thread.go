// Package service provides the use cases behind the HTTP API: thread listing and
// lifecycle, and running exchanges through the dispatcher.
package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/bot"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ThreadService handles thread operations for every registered model.
type ThreadService struct {
	dispatcher *bot.Dispatcher
	logger     *logger.Logger
}

// NewThreadService creates a new thread service.
func NewThreadService(d *bot.Dispatcher, log *logger.Logger) *ThreadService {
	return &ThreadService{
		dispatcher: d,
		logger:     logger.OrNop(log).Named("threads"),
	}
}

// Models lists the registered models.
func (s *ThreadService) Models() []bot.ModelInfo {
	return s.dispatcher.Models()
}

// Create runs the backend handshake and returns the fresh thread.
func (s *ThreadService) Create(ctx context.Context, modelName string) (*model.ChatThread, error) {
	th, err := s.dispatcher.NewThread(ctx, modelName)
	if err != nil {
		return nil, err
	}
	s.logger.Info("thread created", zap.String("model", modelName), zap.String("thread_id", th.ID))
	return th, nil
}

// List returns one page of the model's valid threads, most recently updated first.
func (s *ThreadService) List(ctx context.Context, modelName string, limit, offset int) (*model.ListThreadsResponse, error) {
	threads, err := s.dispatcher.Threads(ctx, modelName)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].UpdatedAt > threads[j].UpdatedAt
	})

	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	total := len(threads)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)

	page := make([]model.ThreadSummary, 0, end-offset)
	for i := offset; i < end; i++ {
		page = append(page, threads[i].Summary())
	}
	return &model.ListThreadsResponse{
		Threads: page,
		Total:   total,
		HasMore: end < total,
	}, nil
}

// Get retrieves one thread with its messages.
func (s *ThreadService) Get(ctx context.Context, modelName, id string) (*model.ChatThread, error) {
	return s.dispatcher.Thread(ctx, modelName, id)
}

// Delete removes a thread. Deleting an unknown id succeeds.
func (s *ThreadService) Delete(ctx context.Context, modelName, id string) error {
	if err := s.dispatcher.DeleteThread(ctx, modelName, id); err != nil {
		return err
	}
	s.logger.Info("thread deleted", zap.String("model", modelName), zap.String("thread_id", id))
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
