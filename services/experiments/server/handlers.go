// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/page"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/reconcile"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/telemetry"
)

// VisitorRequest identifies the visitor a request is about.
type VisitorRequest struct {
	ID         string            `json:"id"`
	AnonID     string            `json:"anonId"`
	Units      map[string]string `json:"units"`
	Attributes map[string]any    `json:"attributes"`
	Groups     []string          `json:"groups"`
	URL        string            `json:"url"`
	Forced     map[string]int    `json:"forced"`
}

// EvaluateRequest asks for assignments. An empty Experiments list
// evaluates the whole catalog.
type EvaluateRequest struct {
	VisitorRequest
	Experiments []string `json:"experiments"`
}

// LookupRequest asks for the value of a variation data key.
type LookupRequest struct {
	VisitorRequest
	Key string `json:"key" binding:"required"`
}

// RenderRequest asks for a page with auto experiments applied.
type RenderRequest struct {
	VisitorRequest
	HTML string `json:"html" binding:"required"`
}

// ResultResponse is the wire form of one assignment.Result.
type ResultResponse struct {
	Experiment    string            `json:"experiment"`
	Variation     int               `json:"variation"`
	Value         any               `json:"value"`
	Data          map[string]any    `json:"data,omitempty"`
	InExperiment  bool              `json:"inExperiment"`
	HashUsed      bool              `json:"hashUsed"`
	HashAttribute string            `json:"hashAttribute,omitempty"`
	HashValue     string            `json:"hashValue,omitempty"`
	Reason        assignment.Reason `json:"reason"`
}

// EvaluateResponse is returned by POST /v1/evaluate.
type EvaluateResponse struct {
	AnonID  string           `json:"anonId"`
	Results []ResultResponse `json:"results"`
}

// ActiveExperiment is one experiment applied to a rendered page.
type ActiveExperiment struct {
	Experiment string `json:"experiment"`
	Variation  int    `json:"variation"`
}

// RenderResponse is returned by POST /v1/render.
type RenderResponse struct {
	AnonID string             `json:"anonId"`
	HTML   string             `json:"html"`
	Active []ActiveExperiment `json:"active"`
}

// EventRequest reports a page event. Target selects the element the event
// fired on; the first match in HTML is used.
type EventRequest struct {
	VisitorRequest
	Type   string `json:"type" binding:"required"`
	HTML   string `json:"html" binding:"required"`
	Target string `json:"target" binding:"required"`
}

// EventResponse says whether an event rule matched.
type EventResponse struct {
	AnonID     string         `json:"anonId"`
	Tracked    bool           `json:"tracked"`
	Event      string         `json:"event,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func toResponse(key string, res assignment.Result) ResultResponse {
	return ResultResponse{
		Experiment:    key,
		Variation:     res.VariationIndex,
		Value:         res.Value,
		Data:          res.Data,
		InExperiment:  res.InExperiment,
		HashUsed:      res.HashUsed,
		HashAttribute: res.HashAttribute,
		HashValue:     res.HashValue,
		Reason:        res.Reason,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"catalogVersion": s.deps.Catalog.Version(),
		"uptime":         time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleExperiments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     s.deps.Catalog.Version(),
		"source":      s.deps.Catalog.Source(),
		"experiments": s.deps.Catalog.Experiments(),
	})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := checkVisitor(req.VisitorRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	visitor, err := s.resolve(c, req.VisitorRequest)
	if err != nil {
		s.logger.Error("failed to resolve visitor", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve visitor"})
		return
	}

	client := s.newClient(req.URL, req.Forced)
	id := client.NewIdentity(s.identityOptions(visitor))
	defer id.Destroy()

	keys := req.Experiments
	if len(keys) == 0 {
		for _, exp := range client.Experiments() {
			keys = append(keys, exp.Key)
		}
	}
	resp := EvaluateResponse{AnonID: visitor.AnonID, Results: make([]ResultResponse, 0, len(keys))}
	for _, key := range keys {
		res, _ := id.EvaluateKey(key)
		resp.Results = append(resp.Results, toResponse(key, res))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLookup(c *gin.Context) {
	var req LookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := checkVisitor(req.VisitorRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	visitor, err := s.resolve(c, req.VisitorRequest)
	if err != nil {
		s.logger.Error("failed to resolve visitor", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve visitor"})
		return
	}

	client := s.newClient(req.URL, req.Forced)
	id := client.NewIdentity(s.identityOptions(visitor))
	defer id.Destroy()

	found, ok := id.LookupByDataKey(req.Key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no experiment provides key", "key": req.Key})
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleRender(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := checkVisitor(req.VisitorRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, span := telemetry.StartSpan(c.Request.Context(), "experiments.render")
	defer span.End()
	start := time.Now()

	visitor, err := s.resolve(c, req.VisitorRequest)
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("failed to resolve visitor", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve visitor"})
		return
	}
	doc, err := page.ParseString(req.HTML, page.WithReady())
	if err != nil {
		telemetry.RecordError(span, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid html"})
		return
	}

	engineOpts := []mutation.Option{mutation.WithLogger(s.logger)}
	if s.deps.Metrics != nil {
		engineOpts = append(engineOpts, mutation.WithRecorder(s.deps.Metrics))
	}
	engine := mutation.NewEngine(doc, engineOpts...)
	defer engine.Close()

	client := s.newClient(req.URL, req.Forced, assignment.WithMutationEngine(engine))
	rec := reconcile.New(client, reconcile.WithLogger(s.logger))
	id := client.NewIdentity(s.identityOptions(visitor))
	doc.Flush()

	// Serialize before tearing down: closing the reconciler reverts the page.
	resp := RenderResponse{AnonID: visitor.AnonID, HTML: doc.String(), Active: []ActiveExperiment{}}
	for _, key := range rec.Active(id) {
		if v, ok := rec.Variation(id, key); ok {
			resp.Active = append(resp.Active, ActiveExperiment{Experiment: key, Variation: v})
		}
	}
	rec.Close()
	id.Destroy()

	span.SetAttributes(attribute.Int("experiments.active", len(resp.Active)))
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveRender(time.Since(start))
	}
	telemetry.LoggerWithTrace(ctx, s.logger).Debug("page rendered",
		slog.String("anon_id", visitor.AnonID),
		slog.Int("active", len(resp.Active)))
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := checkVisitor(req.VisitorRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	visitor, err := s.resolve(c, req.VisitorRequest)
	if err != nil {
		s.logger.Error("failed to resolve visitor", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve visitor"})
		return
	}
	doc, err := page.ParseString(req.HTML, page.WithReady())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid html"})
		return
	}
	targets, err := doc.QueryAll(req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target selector"})
		return
	}
	if len(targets) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "target matches no element"})
		return
	}

	resp := EventResponse{AnonID: visitor.AnonID}
	rule, ok := s.deps.Catalog.EventRules().Match(req.Type, visitor.URL, targets[0])
	if ok {
		s.deps.Events.Track(rule.Event(visitor.ID, visitor.AnonID, visitor.URL))
		resp.Tracked = true
		resp.Event = rule.Name
		resp.Properties = rule.Properties
		s.logger.Debug("page event tracked",
			slog.String("type", req.Type),
			slog.String("event", rule.Name))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReload(c *gin.Context) {
	if s.deps.Reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "catalog reload is not configured"})
		return
	}
	if err := s.deps.Reload(c.Request.Context()); err != nil {
		s.logger.Warn("catalog reload failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "version": s.deps.Catalog.Version()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": s.deps.Catalog.Version(), "source": s.deps.Catalog.Source()})
}

// checkVisitor rejects ids that are unsafe to store or report.
func checkVisitor(req VisitorRequest) error {
	if err := validation.ValidateIdentifier(req.ID); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if err := validation.ValidateIdentifier(req.AnonID); err != nil {
		return fmt.Errorf("anonId: %w", err)
	}
	return validation.ValidateIdentifiers(req.Units)
}

// resolve settles the anonymous id and attributes for a request. The anon
// id comes from the body, then the cookie, then a fresh uuid. Any valid
// caller id is kept as is. With an identity store attached, attributes
// sent are saved and missing attributes are loaded from the last request.
func (s *Server) resolve(c *gin.Context, v VisitorRequest) (VisitorRequest, error) {
	if v.AnonID == "" {
		if cookie, err := c.Cookie(AnonCookie); err == nil {
			v.AnonID = cookie
		}
	}

	if s.deps.Identities == nil {
		if v.AnonID == "" || validation.ValidateIdentifier(v.AnonID) != nil {
			v.AnonID = uuid.NewString()
		}
	} else {
		ctx := c.Request.Context()
		rec, _, err := s.deps.Identities.Resolve(ctx, v.AnonID)
		if err != nil {
			return VisitorRequest{}, err
		}
		v.AnonID = rec.AnonID
		if err := s.syncAttributes(ctx, &v); err != nil {
			return VisitorRequest{}, err
		}
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AnonCookie, v.AnonID, 365*24*60*60, "/", "", s.opts.SecureCookie, true)
	return v, nil
}

func (s *Server) syncAttributes(ctx context.Context, v *VisitorRequest) error {
	owner := v.ID
	if owner == "" {
		owner = v.AnonID
	}
	if v.Attributes != nil {
		return s.deps.Identities.SaveAttributes(ctx, owner, v.Attributes)
	}
	attrs, err := s.deps.Identities.Attributes(ctx, owner)
	if err != nil {
		return err
	}
	v.Attributes = attrs
	return nil
}

func (s *Server) identityOptions(v VisitorRequest) assignment.IdentityOptions {
	return assignment.IdentityOptions{
		ID:         v.ID,
		AnonID:     v.AnonID,
		Units:      v.Units,
		Attributes: v.Attributes,
		Groups:     v.Groups,
		Tracked:    s.tracked,
	}
}
