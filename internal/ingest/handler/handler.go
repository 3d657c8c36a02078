package handler

import (
	"log/slog"

	"github.com/streamio/transcoder/internal/ingest"
	"github.com/streamio/transcoder/internal/metadata"
)

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger   *slog.Logger
	Trigger  *ingest.Trigger
	Metadata metadata.Store
}

// ObjectHandler handles object notification and lookup requests.
type ObjectHandler struct {
	logger  *slog.Logger
	trigger *ingest.Trigger
	meta    metadata.Store
}

// NewObjectHandler creates a new ObjectHandler instance.
func NewObjectHandler(deps *Dependencies) *ObjectHandler {
	return &ObjectHandler{
		logger:  deps.Logger,
		trigger: deps.Trigger,
		meta:    deps.Metadata,
	}
}
