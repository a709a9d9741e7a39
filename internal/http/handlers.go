package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sujalbistaa/askwall/internal/cleanup"
	"github.com/sujalbistaa/askwall/internal/room"
	"github.com/sujalbistaa/askwall/internal/store"
	"github.com/sujalbistaa/askwall/internal/ws"
)

// --- Structs for request binding ---
type SetInput struct {
	Value any `json:"value"`
	// IfVersion turns the write into a compare-and-set.
	IfVersion *string `json:"ifVersion,omitempty"`
}

type UpdateInput struct {
	Values map[string]any `json:"values" binding:"required"`
}

type PushInput struct {
	Value any `json:"value" binding:"required"`
}

type PushOutput struct {
	Key string `json:"key"`
}

// --- Handlers ---
type Env struct {
	Store      store.Store
	Hub        *ws.Hub
	Collector  *cleanup.Collector
	AdminToken string
	Log        *slog.Logger
}

func (e *Env) GetNode(c *gin.Context) {
	path, ok := e.path(c)
	if !ok {
		return
	}
	snap, err := e.Store.Get(c.Request.Context(), path)
	if err != nil {
		e.storeError(c, "get", path, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (e *Env) SetNode(c *gin.Context) {
	path, ok := e.writablePath(c)
	if !ok {
		return
	}
	var input SetInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	var err error
	if input.IfVersion != nil {
		err = e.Store.CompareAndSet(c.Request.Context(), path, *input.IfVersion, input.Value)
	} else {
		err = e.Store.Set(c.Request.Context(), path, input.Value)
	}
	if err != nil {
		e.storeError(c, "set", path, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (e *Env) UpdateNode(c *gin.Context) {
	path, ok := e.path(c)
	if !ok {
		return
	}
	var input UpdateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	writes, err := store.PrepareWrites(path, input.Values)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, w := range writes {
		if !e.mayWrite(c, w.Path) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden: " + w.Path + " is not publicly writable"})
			return
		}
	}

	if err := e.Store.Update(c.Request.Context(), path, input.Values); err != nil {
		e.storeError(c, "update", path, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (e *Env) PushNode(c *gin.Context) {
	path, ok := e.path(c)
	if !ok {
		return
	}
	// The new child is what gets written, so the parent only has to be
	// inside a room.
	if !e.mayWrite(c, store.Join(path, "_")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden: " + path + " is not publicly writable"})
		return
	}
	var input PushInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	key, err := e.Store.Push(c.Request.Context(), path, input.Value)
	if err != nil {
		e.storeError(c, "push", path, err)
		return
	}
	c.JSON(http.StatusCreated, PushOutput{Key: key})
}

func (e *Env) DeleteNode(c *gin.Context) {
	path, ok := e.writablePath(c)
	if !ok {
		return
	}
	if err := e.Store.Remove(c.Request.Context(), path); err != nil {
		e.storeError(c, "remove", path, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StaleRooms reports the rooms the collector would delete.
func (e *Env) StaleRooms(c *gin.Context) {
	res := e.Collector.DryRun(c.Request.Context())
	e.cleanupResult(c, res)
}

// DeleteStaleRooms deletes them.
func (e *Env) DeleteStaleRooms(c *gin.Context) {
	res := e.Collector.Apply(c.Request.Context())
	e.log().Info("stale room cleanup requested", "ip", c.ClientIP(), "found", res.Found, "deleted", res.Deleted)
	e.cleanupResult(c, res)
}

func (e *Env) cleanupResult(c *gin.Context, res cleanup.Result) {
	if !res.Success {
		c.JSON(http.StatusInternalServerError, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (e *Env) Health(c *gin.Context) {
	subs := 0
	if e.Hub != nil {
		subs = e.Hub.Count()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": subs})
}

// --- helpers ---

func (e *Env) path(c *gin.Context) (string, bool) {
	path, err := store.CleanPath(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return path, true
}

func (e *Env) writablePath(c *gin.Context) (string, bool) {
	path, ok := e.path(c)
	if !ok {
		return "", false
	}
	if !e.mayWrite(c, path) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden: " + path + " is not publicly writable"})
		return "", false
	}
	return path, true
}

// mayWrite allows anyone to write inside a room's data and the admin token
// holder to write anywhere.
func (e *Env) mayWrite(c *gin.Context, path string) bool {
	return PublicWritable(path) || tokenMatches(c.GetHeader(adminHeader), e.AdminToken)
}

// PublicWritable reports whether path lies below rooms/{room}/ for a valid
// room id. The rooms collection and the room nodes themselves are not.
func PublicWritable(path string) bool {
	segs := strings.Split(path, "/")
	return len(segs) >= 3 && segs[0] == "rooms" && room.Valid(segs[1])
}

func (e *Env) storeError(c *gin.Context, op, path string, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "Version conflict"})
	case errors.Is(err, store.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store is shutting down"})
	default:
		e.log().Error("store operation failed", "op", op, "path", path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op + " " + path})
	}
}

func (e *Env) log() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}
