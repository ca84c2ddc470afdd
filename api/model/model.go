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
package model

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func validateDateFormat(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return errors.New("please format timestamps as RFC3339 (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}

func (v *CreateVisit) ValidateCreateVisit() error {
	return validation.ValidateStruct(v,
		validation.Field(&v.OrganizationID, validation.Required),
		validation.Field(&v.ClientID, validation.Required),
		validation.Field(&v.CaregiverID, validation.Required),
		validation.Field(&v.ServiceCode, validation.Required),
		validation.Field(&v.ScheduledStart, validation.Required, validation.By(validateDateFormat)),
		validation.Field(&v.ScheduledEnd, validation.Required, validation.By(validateDateFormat)),
	)
}

func (e *ClockEvent) ValidateClockEvent() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Timestamp, validation.Required, validation.By(validateDateFormat)),
	)
}

func (o *OverrideRequest) ValidateOverrideRequest() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.ApprovedBy, validation.Required),
		validation.Field(&o.Justification, validation.Required),
	)
}

func (c *CorrectVisit) ValidateCorrectVisit() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Reason, validation.Required),
		validation.Field(&c.CorrectedBy, validation.Required),
		validation.Field(&c.RawClockIn, validation.By(validateDateFormat)),
		validation.Field(&c.RawClockOut, validation.By(validateDateFormat)),
	)
}

func (a *UpsertAuthorization) ValidateUpsertAuthorization() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.AuthorizationID, validation.Required),
		validation.Field(&a.ClientID, validation.Required),
		validation.Field(&a.ServiceCodes, validation.Required, validation.Length(1, 0)),
		validation.Field(&a.StartDate, validation.By(validateDateFormat)),
		validation.Field(&a.EndDate, validation.By(validateDateFormat)),
	)
}
