// Package models holds the tag/owner domain entities.
package models

import "time"

// Status is the lifecycle state of a tag.
type Status string

const (
	// StatusUnassigned: minted by the batch seeder, no owner yet.
	StatusUnassigned Status = "unassigned"
	// StatusActive: linked 1:1 to an owner; set exactly once by activation.
	StatusActive Status = "active"
	// StatusDisabled: administratively retired; never reverts.
	StatusDisabled Status = "disabled"
)

// OTP is the one-time-code sub-record embedded in a tag. Present only while a
// cycle is open; cleared on successful activation or committed update.
type OTP struct {
	Code          string    `json:"code"`
	ExpiresAt     time.Time `json:"expires_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Phone         string    `json:"phone"`
}

// Tag is the physical/scannable entity record.
//
// Invariant: OwnerID is set if and only if Status == StatusActive.
type Tag struct {
	ID          string     `json:"tag_id"`
	QRID        string     `json:"qr_id,omitempty"`
	BatchID     string     `json:"batch_id"`
	Status      Status     `json:"status"`
	OwnerID     string     `json:"owner_id,omitempty"`
	OTP         *OTP       `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Owner is the contact/profile record linked 1:1 to an activated tag.
type Owner struct {
	ID                string    `json:"id"`
	TagID             string    `json:"tag_id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone"`
	WhatsApp          string    `json:"whatsapp,omitempty"`
	Email             string    `json:"email"`
	VehicleNo         string    `json:"vehicle_no"`
	EmergencyContact1 string    `json:"emergency_contact_1"`
	EmergencyContact2 string    `json:"emergency_contact_2,omitempty"`
	Address           string    `json:"address,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// OwnerUpdate carries field-level edits for the update transaction. Nil
// pointers leave the field untouched; all supplied fields are written
// together.
type OwnerUpdate struct {
	Name              *string `json:"name,omitempty"`
	Phone             *string `json:"phone,omitempty"`
	WhatsApp          *string `json:"whatsapp,omitempty"`
	Email             *string `json:"email,omitempty"`
	VehicleNo         *string `json:"vehicle_no,omitempty"`
	EmergencyContact1 *string `json:"emergency_contact_1,omitempty"`
	EmergencyContact2 *string `json:"emergency_contact_2,omitempty"`
	Address           *string `json:"address,omitempty"`
}

// Empty reports whether the update carries no fields at all.
func (u OwnerUpdate) Empty() bool {
	return u.Name == nil && u.Phone == nil && u.WhatsApp == nil && u.Email == nil &&
		u.VehicleNo == nil && u.EmergencyContact1 == nil && u.EmergencyContact2 == nil &&
		u.Address == nil
}

// Apply writes the supplied fields onto an owner record.
func (u OwnerUpdate) Apply(o *Owner) {
	if u.Name != nil {
		o.Name = *u.Name
	}
	if u.Phone != nil {
		o.Phone = *u.Phone
	}
	if u.WhatsApp != nil {
		o.WhatsApp = *u.WhatsApp
	}
	if u.Email != nil {
		o.Email = *u.Email
	}
	if u.VehicleNo != nil {
		o.VehicleNo = *u.VehicleNo
	}
	if u.EmergencyContact1 != nil {
		o.EmergencyContact1 = *u.EmergencyContact1
	}
	if u.EmergencyContact2 != nil {
		o.EmergencyContact2 = *u.EmergencyContact2
	}
	if u.Address != nil {
		o.Address = *u.Address
	}
}
