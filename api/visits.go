/*
Copyright 2024 CareTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/caretrack/evv"
	model2 "github.com/caretrack/evv/api/model"
	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

// CreateVisit registers a scheduled visit from the scheduling system.
//
// Responses:
// - 400 Bad Request: If there's an error in binding JSON or validating the visit.
// - 201 Created: If the visit is successfully registered.
func (a Api) CreateVisit(c *gin.Context) {
	var newVisit model2.CreateVisit
	if err := c.ShouldBindJSON(&newVisit); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := newVisit.ValidateCreateVisit(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.evv.RegisterVisit(c.Request.Context(), newVisit.ToVisitRecord())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ClockIn records the caregiver's arrival with optional device GPS.
func (a Api) ClockIn(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var event model2.ClockEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := event.ValidateClockEvent(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	timestamp, _ := time.Parse(time.RFC3339, event.Timestamp)
	resp, err := a.evv.RecordClockIn(c.Request.Context(), id, timestamp, event.GPS())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ClockOut records the caregiver's departure and pushes the visit through
// rounding, validation and queueing. The response carries the visit plus
// the validation verdict so a failed visit is actionable immediately.
func (a Api) ClockOut(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var event model2.ClockEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := event.ValidateClockEvent(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	timestamp, _ := time.Parse(time.RFC3339, event.Timestamp)
	visit, result, err := a.evv.RecordClockOut(c.Request.Context(), id, timestamp)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"visit": visit, "validation": result})
}

// ApproveGPSOverride records a supervisor override for a visit captured
// without GPS coordinates.
func (a Api) ApproveGPSOverride(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := req.ValidateOverrideRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.evv.ApproveGPSOverride(c.Request.Context(), id, req.ApprovedBy, req.Justification); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "GPS override recorded"})
}

func (a Api) GetVisit(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.evv.GetVisit(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetVisitsInRange lists an organization's visits scheduled in
// [from, to). Used by billing runs and coordinator dashboards.
func (a Api) GetVisitsInRange(c *gin.Context) {
	organizationID := c.Query("organization_id")
	if organizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC3339 timestamp"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be an RFC3339 timestamp"})
		return
	}

	resp, err := a.evv.GetVisitsInRange(c.Request.Context(), organizationID, from, to)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetVisitAttempts(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.evv.GetVisitAttempts(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CorrectVisit applies a coordinator's correction to a rejected or
// invalid visit and resubmits it.
func (a Api) CorrectVisit(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	req, ok := a.bindCorrection(c)
	if !ok {
		return
	}

	visit, result, err := a.evv.CorrectVisit(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visit": visit, "validation": result})
}

// AmendVisit supersedes an accepted visit with a fresh submission under a
// derived dedup key.
func (a Api) AmendVisit(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	req, ok := a.bindCorrection(c)
	if !ok {
		return
	}

	visit, result, err := a.evv.AmendAcceptedVisit(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"visit": visit, "validation": result})
}

func (a Api) GetCorrections(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.evv.GetCorrections(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UpsertAuthorization records or refreshes a payer authorization from the
// payer sync feed.
func (a Api) UpsertAuthorization(c *gin.Context) {
	var req model2.UpsertAuthorization
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := req.ValidateUpsertAuthorization(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.evv.UpsertAuthorization(c.Request.Context(), req.ToAuthorization()); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "authorization recorded"})
}

// TriggerSweep runs a sweep cycle immediately, for operators draining the
// queue after a kill switch clears.
func (a Api) TriggerSweep(c *gin.Context) {
	a.evv.SweepNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "sweep triggered"})
}

// DrainOrganizationQueue re-enqueues one organization's queued visits
// immediately instead of waiting for the sweep.
func (a Api) DrainOrganizationQueue(c *gin.Context) {
	organizationID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	drained, err := a.evv.DrainOrganizationQueue(c.Request.Context(), organizationID)
	if err != nil {
		if errors.Is(err, evv.ErrKillSwitchActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"drained": drained})
}

func (a Api) bindCorrection(c *gin.Context) (*evv.CorrectionRequest, bool) {
	var dto model2.CorrectVisit
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return nil, false
	}
	if err := dto.ValidateCorrectVisit(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return nil, false
	}

	req := &evv.CorrectionRequest{
		Reason:          dto.Reason,
		CorrectedBy:     dto.CorrectedBy,
		ServiceCode:     dto.ServiceCode,
		AuthorizationID: dto.AuthorizationID,
		MetaData:        dto.MetaData,
	}
	if dto.RawClockIn != "" {
		t, _ := time.Parse(time.RFC3339, dto.RawClockIn)
		req.RawClockIn = &t
	}
	if dto.RawClockOut != "" {
		t, _ := time.Parse(time.RFC3339, dto.RawClockOut)
		req.RawClockOut = &t
	}
	if dto.Latitude != nil && dto.Longitude != nil {
		req.GPS = &model.GPSPoint{Latitude: *dto.Latitude, Longitude: *dto.Longitude}
	}
	return req, true
}
