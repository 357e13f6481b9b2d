package handler

import (
	"log/slog"

	"github.com/mcfax/faxpipe/internal/api/storage"
	"github.com/mcfax/faxpipe/shared/postgresql"
	"github.com/mcfax/faxpipe/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
}

// FaxHandler handles fax-job HTTP requests
type FaxHandler struct {
	logger       *slog.Logger
	storage      *storage.Storage
	rabbitClient *rabbitmq.Client
}

// NewFaxHandler creates a new FaxHandler instance
func NewFaxHandler(deps *Dependencies) *FaxHandler {
	return &FaxHandler{
		logger:       deps.Logger,
		storage:      storage.NewStorage(deps.DBClient),
		rabbitClient: deps.RabbitClient,
	}
}
