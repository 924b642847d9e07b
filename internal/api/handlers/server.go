// Package handlers implements the HTTP surface of telestack/db.
//
// Routes are registered by internal/app; handlers push structured errors
// through c.Error() and let the ErrorHandler middleware render them.
package handlers

import (
	"github.com/telestackhq/db/internal/bus"
	"github.com/telestackhq/db/internal/engine"
	"github.com/telestackhq/db/internal/repository"
	"github.com/telestackhq/db/internal/token"
)

// DefaultWorkspace scopes requests that carry no explicit workspaceId.
const DefaultWorkspace = "default"

// Server implements all API handlers.
type Server struct {
	engine     *engine.Engine
	store      *repository.Store
	publisher  *bus.Publisher
	issuer     *token.Issuer
	adminToken string
}

// ServerDeps holds all dependencies for creating a Server (manual DI).
type ServerDeps struct {
	Engine     *engine.Engine
	Store      *repository.Store
	Publisher  *bus.Publisher
	Issuer     *token.Issuer
	AdminToken string
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		engine:     deps.Engine,
		store:      deps.Store,
		publisher:  deps.Publisher,
		issuer:     deps.Issuer,
		adminToken: deps.AdminToken,
	}
}
