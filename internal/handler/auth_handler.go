package handler

import (
	"encoding/json"
	"net/http"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type signupRequest struct {
	Username            string     `json:"username" validate:"required,max=150"`
	Email               string     `json:"email" validate:"required,email"`
	Password            string     `json:"password" validate:"required,max=72"`
	UserType            model.Role `json:"user_type" validate:"required,oneof=CUSTOMER VENDOR"`
	PhoneNumber         string     `json:"phone_number" validate:"omitempty,phone"`
	Address             string     `json:"address"`
	BusinessName        string     `json:"business_name" validate:"max=255"`
	BusinessDescription string     `json:"business_description"`
	BusinessAddress     string     `json:"business_address"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	Refresh string `json:"refresh" validate:"required"`
}

type vendorProfilePatch struct {
	BusinessName        *string `json:"business_name"`
	BusinessDescription *string `json:"business_description"`
	BusinessAddress     *string `json:"business_address"`
	Logo                *string `json:"logo"`
}

type profilePatchRequest struct {
	Email         *string             `json:"email" validate:"omitempty,email"`
	PhoneNumber   *string             `json:"phone_number" validate:"omitempty,phone"`
	Address       *string             `json:"address"`
	VendorProfile *vendorProfilePatch `json:"vendor_profile"`
}

// Signup registers a customer or vendor and returns a token pair
func (h *Handler) Signup(c echo.Context) error {
	var req signupRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	res, err := h.accounts.Register(c.Request().Context(), service.RegisterInput{
		Username:            req.Username,
		Email:               req.Email,
		Password:            req.Password,
		Role:                req.UserType,
		PhoneNumber:         req.PhoneNumber,
		Address:             req.Address,
		BusinessName:        req.BusinessName,
		BusinessDescription: req.BusinessDescription,
		BusinessAddress:     req.BusinessAddress,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	res, err := h.accounts.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// RefreshToken exchanges a refresh token for a new pair
func (h *Handler) RefreshToken(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	res, err := h.accounts.Refresh(c.Request().Context(), req.Refresh)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetProfile(c echo.Context) error {
	user, err := h.accounts.GetProfile(c.Request().Context(), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

// UpdateProfile applies a partial profile update. Fields outside the
// editable set are rejected rather than ignored.
func (h *Handler) UpdateProfile(c echo.Context) error {
	var req profilePatchRequest
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.FromEcho(c).Debug("Rejected profile update body", zap.Error(err))
		return respondError(c, apperror.Validation("invalid request body: "+err.Error(), nil))
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}

	patch := service.ProfilePatch{
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		Address:     req.Address,
	}
	if vp := req.VendorProfile; vp != nil {
		patch.VendorProfile = &service.VendorProfilePatch{
			BusinessName:        vp.BusinessName,
			BusinessDescription: vp.BusinessDescription,
			BusinessAddress:     vp.BusinessAddress,
			Logo:                vp.Logo,
		}
	}

	user, err := h.accounts.UpdateProfile(c.Request().Context(), middleware.ActorFrom(c), patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}
