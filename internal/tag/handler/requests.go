package handler

import (
	"time"

	"taglink/internal/tag/models"
	"taglink/internal/tag/service"
)

type generateOTPRequest struct {
	Phone string `json:"phone"`
}

type generateOTPResponse struct {
	Message  string `json:"message"`
	ValidFor int    `json:"valid_for"` // seconds
}

type activateRequest struct {
	OTP               string `json:"otp"`
	Name              string `json:"name"`
	Phone             string `json:"phone"`
	WhatsApp          string `json:"whatsapp"`
	Email             string `json:"email"`
	VehicleNo         string `json:"vehicle_no"`
	EmergencyContact1 string `json:"emergency_contact_1"`
	EmergencyContact2 string `json:"emergency_contact_2"`
	Address           string `json:"address"`
}

func (r activateRequest) toInput() service.ActivationInput {
	return service.ActivationInput{
		Code:              r.OTP,
		Name:              r.Name,
		Phone:             r.Phone,
		WhatsApp:          r.WhatsApp,
		Email:             r.Email,
		VehicleNo:         r.VehicleNo,
		EmergencyContact1: r.EmergencyContact1,
		EmergencyContact2: r.EmergencyContact2,
		Address:           r.Address,
	}
}

type verifyOTPRequest struct {
	OTP   string `json:"otp"`
	Phone string `json:"phone"`
}

type verifyOTPResponse struct {
	Token string        `json:"token"`
	Owner ownerResponse `json:"owner"`
}

type updateTagRequest struct {
	Token string `json:"token"`
	models.OwnerUpdate
}

type activateResponse struct {
	TagID  string        `json:"tag_id"`
	Status models.Status `json:"status"`
	Owner  ownerResponse `json:"owner"`
}

type ownerResponse struct {
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
	UpdatedAt         time.Time `json:"updated_at"`
}

func toOwnerResponse(o models.Owner) ownerResponse {
	return ownerResponse{
		ID:                o.ID,
		TagID:             o.TagID,
		Name:              o.Name,
		Phone:             o.Phone,
		WhatsApp:          o.WhatsApp,
		Email:             o.Email,
		VehicleNo:         o.VehicleNo,
		EmergencyContact1: o.EmergencyContact1,
		EmergencyContact2: o.EmergencyContact2,
		Address:           o.Address,
		UpdatedAt:         o.UpdatedAt,
	}
}
