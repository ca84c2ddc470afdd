package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/caretrack/evv/model"
)

type CreateVisit struct {
	VisitID          string                 `json:"visit_id,omitempty"`
	OrganizationID   string                 `json:"organization_id"`
	ClientID         string                 `json:"client_id"`
	CaregiverID      string                 `json:"caregiver_id"`
	ServiceCode      string                 `json:"service_code"`
	AuthorizationID  string                 `json:"authorization_id"`
	ScheduledStart   string                 `json:"scheduled_start"`
	ScheduledEnd     string                 `json:"scheduled_end"`
	ServiceLatitude  *float64               `json:"service_latitude,omitempty"`
	ServiceLongitude *float64               `json:"service_longitude,omitempty"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
}

type ClockEvent struct {
	Timestamp string   `json:"timestamp"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type OverrideRequest struct {
	ApprovedBy    string `json:"approved_by"`
	Justification string `json:"justification"`
}

type CorrectVisit struct {
	Reason          string                 `json:"reason"`
	CorrectedBy     string                 `json:"corrected_by"`
	RawClockIn      string                 `json:"raw_clock_in,omitempty"`
	RawClockOut     string                 `json:"raw_clock_out,omitempty"`
	ServiceCode     string                 `json:"service_code,omitempty"`
	AuthorizationID string                 `json:"authorization_id,omitempty"`
	Latitude        *float64               `json:"latitude,omitempty"`
	Longitude       *float64               `json:"longitude,omitempty"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
}

type UpsertAuthorization struct {
	AuthorizationID string          `json:"authorization_id"`
	ClientID        string          `json:"client_id"`
	ServiceCodes    []string        `json:"service_codes"`
	TotalUnits      decimal.Decimal `json:"total_units"`
	UsedUnits       decimal.Decimal `json:"used_units"`
	StartDate       string          `json:"start_date,omitempty"`
	EndDate         string          `json:"end_date,omitempty"`
}

// ToVisitRecord converts the validated DTO into the domain record.
func (v *CreateVisit) ToVisitRecord() *model.VisitRecord {
	start, _ := time.Parse(time.RFC3339, v.ScheduledStart)
	end, _ := time.Parse(time.RFC3339, v.ScheduledEnd)
	record := &model.VisitRecord{
		VisitID:         v.VisitID,
		OrganizationID:  v.OrganizationID,
		ClientID:        v.ClientID,
		CaregiverID:     v.CaregiverID,
		ServiceCode:     v.ServiceCode,
		AuthorizationID: v.AuthorizationID,
		ScheduledStart:  start,
		ScheduledEnd:    end,
		MetaData:        v.MetaData,
	}
	if v.ServiceLatitude != nil && v.ServiceLongitude != nil {
		record.ServiceLocation = &model.GPSPoint{Latitude: *v.ServiceLatitude, Longitude: *v.ServiceLongitude}
	}
	return record
}

// GPS returns the device coordinates of a clock event, or nil when the
// device captured none.
func (e *ClockEvent) GPS() *model.GPSPoint {
	if e.Latitude == nil || e.Longitude == nil {
		return nil
	}
	return &model.GPSPoint{Latitude: *e.Latitude, Longitude: *e.Longitude}
}

func (a *UpsertAuthorization) ToAuthorization() *model.Authorization {
	auth := &model.Authorization{
		AuthorizationID: a.AuthorizationID,
		ClientID:        a.ClientID,
		ServiceCodes:    a.ServiceCodes,
		TotalUnits:      a.TotalUnits,
		UsedUnits:       a.UsedUnits,
	}
	if a.StartDate != "" {
		auth.StartDate, _ = time.Parse(time.RFC3339, a.StartDate)
	}
	if a.EndDate != "" {
		auth.EndDate, _ = time.Parse(time.RFC3339, a.EndDate)
	}
	return auth
}
