package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telestackhq/db/internal/domain"
	"github.com/telestackhq/db/internal/engine"
	apperrors "github.com/telestackhq/db/internal/pkg/errors"
	"github.com/telestackhq/db/internal/pkg/logger"
	"github.com/telestackhq/db/internal/query"
	"github.com/telestackhq/db/pkg/realtime"
)

// writeRequest is the body shared by create, set, and patch.
type writeRequest struct {
	Data            json.RawMessage `json:"data"`
	UserID          string          `json:"userId"`
	WorkspaceID     string          `json:"workspaceId"`
	ParentPath      string          `json:"parentPath"`
	ExpectedVersion *int64          `json:"expectedVersion"`
}

func (r *writeRequest) workspace() string {
	if r.WorkspaceID == "" {
		return DefaultWorkspace
	}
	return r.WorkspaceID
}

func workspaceParam(c *gin.Context) string {
	if ws := c.Query("workspaceId"); ws != "" {
		return ws
	}
	return DefaultWorkspace
}

// collectionPath joins an optional parent document path with the collection
// segment from the route.
func collectionPath(parentPath, collection string) (domain.Path, error) {
	if parentPath == "" {
		return domain.ParseCollectionPath(collection)
	}
	parent, err := domain.ParseDocumentPath(parentPath)
	if err != nil {
		return domain.Path{}, apperrors.ErrMalformedRequestf("invalid parentPath: " + err.Error())
	}
	return parent.Child(collection), nil
}

// IssueToken handles POST /documents/auth/token.
func (s *Server) IssueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		_ = c.Error(apperrors.ErrMalformedRequestf("userId is required"))
		return
	}

	signed, expiresAt, err := s.issuer.Issue(req.UserID)
	if err != nil {
		logger.Error("Issue broker token", zap.String("user_id", req.UserID), zap.Error(err))
		_ = c.Error(apperrors.Internal(apperrors.CodeInternalError, "token issuance failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     signed,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

// CreateDocument handles POST /documents/:collection (auto-id insert).
func (s *Server) CreateDocument(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrMalformedRequestf("invalid JSON body"))
		return
	}

	collection, err := collectionPath(req.ParentPath, c.Param("collection"))
	if err != nil {
		_ = c.Error(malformed(err))
		return
	}

	result, err := s.engine.Create(c.Request.Context(), req.workspace(), collection, req.Data, req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.publisher.Dispatch([]realtime.Publication{result.Pub})

	c.JSON(http.StatusCreated, gin.H{
		"id":      result.ID,
		"path":    result.Path,
		"version": result.Version,
	})
}

// ListCollection handles GET /documents/:collection.
func (s *Server) ListCollection(c *gin.Context) {
	collection, err := collectionPath(c.Query("parentPath"), c.Param("collection"))
	if err != nil {
		_ = c.Error(malformed(err))
		return
	}

	docs, err := s.engine.List(c.Request.Context(), workspaceParam(c), collection, c.Query("userId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]gin.H, 0, len(docs))
	for _, doc := range docs {
		out = append(out, documentJSON(doc))
	}
	c.JSON(http.StatusOK, out)
}

// GetDocument handles GET /documents/:collection/:id.
func (s *Server) GetDocument(c *gin.Context) {
	docPath, err := s.docPathFromRoute(c, c.Query("parentPath"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	doc, err := s.engine.Get(c.Request.Context(), workspaceParam(c), docPath, c.Query("userId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, documentJSON(doc))
}

// SetDocument handles PUT /documents/:collection/:id (idempotent upsert).
func (s *Server) SetDocument(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrMalformedRequestf("invalid JSON body"))
		return
	}

	docPath, err := s.docPathFromRoute(c, req.ParentPath)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := s.engine.Set(c.Request.Context(), req.workspace(), docPath, req.Data, req.UserID, req.ExpectedVersion)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.publisher.Dispatch([]realtime.Publication{result.Pub})

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "version": result.Version})
}

// PatchDocument handles PATCH /documents/:collection/:id (merge patch).
func (s *Server) PatchDocument(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrMalformedRequestf("invalid JSON body"))
		return
	}

	docPath, err := s.docPathFromRoute(c, req.ParentPath)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := s.engine.Update(c.Request.Context(), req.workspace(), docPath, req.Data, req.UserID, req.ExpectedVersion)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.publisher.Dispatch([]realtime.Publication{result.Pub})

	c.JSON(http.StatusOK, gin.H{"success": true, "version": result.Version})
}

// DeleteDocument handles DELETE /documents/:collection/:id (soft delete).
func (s *Server) DeleteDocument(c *gin.Context) {
	// The body is optional on DELETE.
	var req writeRequest
	_ = c.ShouldBindJSON(&req)

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = workspaceParam(c)
	}
	userID := req.UserID
	if userID == "" {
		userID = c.Query("userId")
	}
	parentPath := req.ParentPath
	if parentPath == "" {
		parentPath = c.Query("parentPath")
	}

	docPath, err := s.docPathFromRoute(c, parentPath)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := s.engine.Delete(c.Request.Context(), workspaceID, docPath, userID, req.ExpectedVersion)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if result != nil {
		s.publisher.Dispatch([]realtime.Publication{result.Pub})
	}
	c.Status(http.StatusNoContent)
}

// batchRequest is the body of POST /documents/batch.
type batchRequest struct {
	Operations []struct {
		Type            string          `json:"type"`
		Path            string          `json:"path"`
		Data            json.RawMessage `json:"data"`
		ExpectedVersion *int64          `json:"expectedVersion"`
	} `json:"operations"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Batch handles POST /documents/batch (atomic multi-document commit).
func (s *Server) Batch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrMalformedRequestf("invalid JSON body"))
		return
	}
	if len(req.Operations) == 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeBatchInvalid, "operations must not be empty"))
		return
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = DefaultWorkspace
	}

	ops := make([]engine.BatchOp, 0, len(req.Operations))
	for _, op := range req.Operations {
		docPath, err := domain.ParseDocumentPath(op.Path)
		if err != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeBatchInvalid, "invalid operation path: "+op.Path))
			return
		}
		ops = append(ops, engine.BatchOp{
			Type:            engine.BatchOpType(op.Type),
			Path:            docPath,
			Data:            op.Data,
			ExpectedVersion: op.ExpectedVersion,
		})
	}

	version, pubs, err := s.engine.Batch(c.Request.Context(), workspaceID, ops, req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.publisher.Dispatch(pubs)

	c.JSON(http.StatusOK, gin.H{"success": true, "version": version})
}

// Sync handles GET /documents/sync (incremental change stream).
func (s *Server) Sync(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		_ = c.Error(apperrors.ErrPermissionDeniedf("read", "sync"))
		return
	}

	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			_ = c.Error(apperrors.ErrMalformedRequestf("since must be an integer"))
			return
		}
		since = parsed
	}

	events, err := s.engine.Sync(c.Request.Context(), workspaceParam(c), since, 0)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"changes":    events,
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	})
}

// Query handles GET /documents/query.
func (s *Server) Query(c *gin.Context) {
	filters, err := query.ParseFilters(c.Query("filters"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			_ = c.Error(apperrors.ErrMalformedRequestf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	q := query.Query{
		WorkspaceID:    workspaceParam(c),
		CollectionPath: c.Query("collectionPath"),
		Filters:        filters,
		OrderByField:   c.Query("orderByField"),
		OrderDirection: c.Query("orderDirection"),
		Limit:          limit,
	}
	results, err := q.Run(c.Request.Context(), s.store.Pool())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// Reset handles POST /documents/internal/reset: truncate + recreate schema.
func (s *Server) Reset(c *gin.Context) {
	if s.adminToken != "" && c.GetHeader("X-Admin-Token") != s.adminToken {
		_ = c.Error(apperrors.ErrPermissionDeniedf("admin", "reset"))
		return
	}
	if err := s.store.Reset(c.Request.Context()); err != nil {
		logger.Error("Schema reset failed", zap.Error(err))
		_ = c.Error(apperrors.Internal(apperrors.CodeStorageError, "reset failed"))
		return
	}
	logger.Warn("Schema reset completed")
	c.JSON(http.StatusOK, gin.H{"message": "database reset"})
}

// Health handles GET /healthz.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) docPathFromRoute(c *gin.Context, parentPath string) (domain.Path, error) {
	collection, err := collectionPath(parentPath, c.Param("collection"))
	if err != nil {
		return domain.Path{}, malformed(err)
	}
	id := c.Param("id")
	if id == "" {
		return domain.Path{}, apperrors.ErrMalformedRequestf("document id is required")
	}
	return collection.Child(id), nil
}

func documentJSON(doc *domain.Document) gin.H {
	return gin.H{
		"id":        doc.ID,
		"path":      doc.Path,
		"data":      doc.Data,
		"version":   doc.Version,
		"ownerId":   doc.OwnerID,
		"createdAt": doc.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func malformed(err error) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	return apperrors.ErrMalformedRequestf(err.Error())
}
