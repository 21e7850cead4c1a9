package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/worker"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/canonical"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/catalog"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/diff"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/evidence"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// IngestResult summarizes one evidence upload.
type IngestResult struct {
	App         string   `json:"app"`
	Accepted    int      `json:"accepted"`
	Dropped     int      `json:"dropped"`
	Quarantined int      `json:"quarantined"`
	Queued      int      `json:"queued,omitempty"`
	Secrets     int      `json:"secrets,omitempty"`
	Signatures  []string `json:"signatures"`
}

// FinalizeResult carries the finished catalog and, when a store is
// configured, the snapshot it was saved as.
type FinalizeResult struct {
	Snapshot *types.Snapshot  `json:"snapshot,omitempty"`
	Catalog  catalog.Document `json:"catalog"`
}

type diffRequest struct {
	Old         json.RawMessage `json:"old,omitempty"`
	New         json.RawMessage `json:"new,omitempty"`
	OldSnapshot string          `json:"old_snapshot,omitempty"`
	NewSnapshot string          `json:"new_snapshot,omitempty"`
}

func errorJSON(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"healthy":     true,
		"live_apps":   len(s.deps.Registry.Apps()),
		"store":       s.deps.Store != nil,
		"queue":       s.deps.Queue != nil,
		"subscribers": s.deps.Hub.Subscribers(),
		"timestamp":   time.Now().Unix(),
		"version":     logger.Version,
	})
}

func (s *Server) listApps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"apps": s.deps.Registry.Apps()})
}

// inputFormat picks yaml for YAML bodies and json otherwise.
func inputFormat(c *gin.Context) string {
	if f := c.Query("format"); f != "" {
		return f
	}
	if strings.Contains(c.ContentType(), "yaml") {
		return "yaml"
	}
	return "json"
}

func (s *Server) ingestEvidence(c *gin.Context) {
	app := c.Param("app")
	kind := evidence.Kind(c.DefaultQuery("kind", string(evidence.KindRecords)))

	body := c.Request.Body
	if limit := s.cfg.Server.MaxBodyBytes; limit > 0 {
		body = http.MaxBytesReader(c.Writer, body, limit)
	}
	batch, err := evidence.Decode(body, kind, inputFormat(c))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		errorJSON(c, http.StatusRequestEntityTooLarge, fmt.Errorf("evidence body exceeds %d bytes", tooLarge.Limit))
		return
	}
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		s.enqueue(c, app, batch)
		return
	}

	cons, err := s.deps.Registry.Get(app)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	result := IngestResult{App: app, Signatures: []string{}}
	seen := make(map[string]bool)
	for _, rec := range batch.Records {
		sig, err := cons.Submit(rec)
		if errors.Is(err, consolidator.ErrFinalized) {
			if cons, err = s.deps.Registry.Get(app); err != nil {
				errorJSON(c, http.StatusInternalServerError, err)
				return
			}
			sig, err = cons.Submit(rec)
		}

		var adapterErr *evidence.AdapterError
		var malformed *canonical.MalformedInputError
		var invariant *consolidator.StateInvariantError
		switch {
		case err == nil:
			result.Accepted++
			if !seen[sig] {
				seen[sig] = true
				result.Signatures = append(result.Signatures, sig)
			}
		case errors.As(err, &adapterErr):
			result.Dropped++
		case errors.As(err, &malformed):
			result.Quarantined++
		case errors.As(err, &invariant):
			s.deps.Registry.Drop(app)
			errorJSON(c, http.StatusInternalServerError, err)
			return
		default:
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
	}

	if len(batch.Secrets) > 0 {
		err := cons.AddSecrets(batch.Secrets...)
		if errors.Is(err, consolidator.ErrFinalized) {
			if cons, err = s.deps.Registry.Get(app); err == nil {
				err = cons.AddSecrets(batch.Secrets...)
			}
		}
		if err != nil {
			s.deps.Registry.Drop(app)
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		result.Secrets = len(batch.Secrets)
	}

	sort.Strings(result.Signatures)
	c.JSON(http.StatusOK, result)
}

func (s *Server) enqueue(c *gin.Context, app string, batch evidence.Batch) {
	if s.deps.Queue == nil {
		errorJSON(c, http.StatusServiceUnavailable, errors.New("evidence queue not configured"))
		return
	}

	result := IngestResult{App: app, Signatures: []string{}}
	// the queue carries evidence only; secrets go straight to the live scan
	if len(batch.Secrets) > 0 {
		cons, err := s.deps.Registry.Get(app)
		if err == nil {
			err = cons.AddSecrets(batch.Secrets...)
		}
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		result.Secrets = len(batch.Secrets)
	}

	items := make([]types.Evidence, 0, len(batch.Records))
	for _, rec := range batch.Records {
		ev, err := evidence.Adapt(rec, time.Now)
		if err != nil {
			result.Dropped++
			continue
		}
		items = append(items, ev)
	}
	if err := s.deps.Queue.Push(c.Request.Context(), app, items...); err != nil {
		errorJSON(c, http.StatusBadGateway, err)
		return
	}
	result.Queued = len(items)
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) finalize(c *gin.Context) {
	app := c.Param("app")
	cat, err := s.deps.Registry.Finalize(app)
	if errors.Is(err, worker.ErrUnknownApp) {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	result := FinalizeResult{Catalog: catalog.FromCatalog(cat)}
	if s.deps.Store != nil {
		snap, err := s.deps.Store.SaveSnapshot(c.Request.Context(), &types.Snapshot{App: app, Label: c.Query("label")}, cat)
		if err != nil {
			s.log.LogError(c.Request.Context(), err, "api.finalize.save", "app", app)
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		result.Snapshot = snap
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) discard(c *gin.Context) {
	app := c.Param("app")
	if _, err := s.deps.Registry.Lookup(app); err != nil {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	s.deps.Registry.Drop(app)
	c.Status(http.StatusNoContent)
}

func (s *Server) preview(c *gin.Context) {
	cons, err := s.deps.Registry.Lookup(c.Param("app"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":   cons.Stats(),
		"catalog": catalog.FromCatalog(cons.Preview()),
	})
}

func (s *Server) quarantine(c *gin.Context) {
	cons, err := s.deps.Registry.Lookup(c.Param("app"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quarantined": cons.Quarantine()})
}

func (s *Server) diff(c *gin.Context) {
	var req diffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	prev, status, err := s.resolveSide(c, req.Old, req.OldSnapshot)
	if err != nil {
		errorJSON(c, status, err)
		return
	}
	next, status, err := s.resolveSide(c, req.New, req.NewSnapshot)
	if err != nil {
		errorJSON(c, status, err)
		return
	}

	result, err := diff.Compare(prev, next)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// resolveSide reads an inline document or loads a stored snapshot. Neither
// yields a nil catalog, which Compare rejects.
func (s *Server) resolveSide(c *gin.Context, doc json.RawMessage, snapshotID string) (*types.Catalog, int, error) {
	if len(doc) > 0 && string(doc) != "null" {
		cat, err := catalog.Unmarshal(doc)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return cat, 0, nil
	}
	if snapshotID == "" {
		return nil, 0, nil
	}
	if s.deps.Store == nil {
		return nil, http.StatusServiceUnavailable, errors.New("snapshot store not configured")
	}
	cat, err := s.deps.Store.LoadCatalog(c.Request.Context(), snapshotID)
	if errors.Is(err, core.ErrSnapshotNotFound) {
		return nil, http.StatusNotFound, err
	}
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return cat, 0, nil
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.deps.Store == nil {
		errorJSON(c, http.StatusServiceUnavailable, errors.New("snapshot store not configured"))
		return false
	}
	return true
}

func (s *Server) listSnapshots(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	filter := core.SnapshotFilter{
		App:    c.Query("app"),
		Status: types.ScanStatus(c.Query("status")),
		Limit:  50,
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		filter.Offset = v
	}

	snaps, err := s.deps.Store.ListSnapshots(c.Request.Context(), filter)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) getSnapshot(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	snap, err := s.deps.Store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if errors.Is(err, core.ErrSnapshotNotFound) {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) snapshotCatalog(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	cat, err := s.deps.Store.LoadCatalog(c.Request.Context(), c.Param("id"))
	if errors.Is(err, core.ErrSnapshotNotFound) {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, catalog.FromCatalog(cat))
}

func (s *Server) history(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	sig := c.Query("signature")
	if sig == "" {
		errorJSON(c, http.StatusBadRequest, errors.New("signature query parameter is required"))
		return
	}
	points, err := s.deps.Store.History(c.Request.Context(), c.Param("app"), sig)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signature": sig, "history": points})
}
