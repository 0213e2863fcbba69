package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/pkg/jwtutil"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// RegisterInput is a signup request. The Business* fields are only used
// for vendors.
type RegisterInput struct {
	Username            string
	Email               string
	Password            string
	Role                model.Role
	PhoneNumber         string
	Address             string
	BusinessName        string
	BusinessDescription string
	BusinessAddress     string
}

// ProfilePatch lists the self-service profile fields. Nil means unchanged.
type ProfilePatch struct {
	Email         *string
	PhoneNumber   *string
	Address       *string
	VendorProfile *VendorProfilePatch
}

// VendorProfilePatch lists the editable business fields of a vendor.
// Verification and rating are not self-service.
type VendorProfilePatch struct {
	BusinessName        *string
	BusinessDescription *string
	BusinessAddress     *string
	Logo                *string
}

// AuthResult is returned by signup, login and refresh
type AuthResult struct {
	jwtutil.TokenPair
	User *model.User `json:"user"`
}

// AccountService manages users, vendor profiles and their tokens
type AccountService struct {
	db     *gorm.DB
	tokens *jwtutil.JWTUtil
}

func NewAccountService(db *gorm.DB, tokens *jwtutil.JWTUtil) *AccountService {
	return &AccountService{db: db, tokens: tokens}
}

// bcrypt ignores input past this length and refuses to hash it
const maxPasswordBytes = 72

// dummyHash is compared on logins for unknown users so they cost the same
// as a wrong password
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("cafe-zuko"), bcrypt.DefaultCost)

// HashPassword hashes a plaintext password with bcrypt
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Register creates a user, and a vendor profile for vendors, in one transaction
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (_ *AuthResult, err error) {
	ctx, span := startSpan(ctx, "Register", Actor{}, attribute.String("user.role", string(in.Role)))
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx)

	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	fields := map[string]string{}
	if in.Username == "" {
		fields["username"] = "this field is required"
	}
	if in.Email == "" {
		fields["email"] = "this field is required"
	}
	if in.Password == "" {
		fields["password"] = "this field is required"
	} else if len(in.Password) > maxPasswordBytes {
		fields["password"] = "ensure this field has no more than 72 bytes"
	}
	if !in.Role.Valid() {
		fields["user_type"] = "must be one of CUSTOMER, VENDOR"
	}
	if !validPhone(in.PhoneNumber) {
		fields["phone_number"] = "phone number must be 9 to 15 digits with an optional leading +"
	}
	if len(fields) > 0 {
		return nil, apperror.Validation("validation failed", fields)
	}

	hashed, err := HashPassword(in.Password)
	if err != nil {
		return nil, apperror.Internal("failed to hash password", err)
	}

	user := model.User{
		Username:    in.Username,
		Email:       in.Email,
		Password:    hashed,
		Role:        in.Role,
		PhoneNumber: in.PhoneNumber,
		Address:     in.Address,
	}

	defer prometheus.TrackDBOperation("register")(time.Now())
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkUserUnique(tx, 0, in.Username, in.Email); err != nil {
			return err
		}
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperror.Validation("validation failed", map[string]string{
					"username": "a user with that username or email already exists",
				})
			}
			return err
		}
		if user.Role == model.RoleVendor {
			profile := model.VendorProfile{
				UserID:              user.ID,
				BusinessName:        in.BusinessName,
				BusinessDescription: in.BusinessDescription,
				BusinessAddress:     in.BusinessAddress,
			}
			if err := tx.Create(&profile).Error; err != nil {
				return err
			}
			user.VendorProfile = &profile
		}
		return nil
	})
	if err != nil {
		if _, ok := apperror.As(err); !ok {
			log.Error("Failed to register user", zap.String("username", in.Username), zap.Error(err))
		}
		return nil, internal(err)
	}

	prometheus.SignupCounter.WithLabelValues(string(user.Role)).Inc()
	log.Info("User registered",
		zap.Uint("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("role", string(user.Role)))

	return s.issue(&user)
}

// Authenticate checks credentials. Unknown users and wrong passwords get
// the same error.
func (s *AccountService) Authenticate(ctx context.Context, username, password string) (_ *AuthResult, err error) {
	ctx, span := startSpan(ctx, "Authenticate", Actor{})
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx)

	defer prometheus.TrackDBOperation("query")(time.Now())
	var user model.User
	if err := s.db.WithContext(ctx).Preload("VendorProfile").Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			log.Warn("Login for unknown user", zap.String("username", username))
			prometheus.RecordAuthError("user_not_found")
			return nil, apperror.Authentication("invalid credentials")
		}
		return nil, internal(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		log.Warn("Invalid password", zap.String("username", username))
		prometheus.RecordAuthError("invalid_password")
		return nil, apperror.Authentication("invalid credentials")
	}

	log.Info("User logged in", zap.Uint("user_id", user.ID))
	return s.issue(&user)
}

// Refresh exchanges a refresh token for a new token pair
func (s *AccountService) Refresh(ctx context.Context, refreshToken string) (_ *AuthResult, err error) {
	ctx, span := startSpan(ctx, "Refresh", Actor{})
	defer func() { endSpan(span, err) }()

	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		logger.FromContext(ctx).Warn("Invalid refresh token", zap.Error(err))
		prometheus.RecordAuthError("invalid_refresh_token")
		return nil, apperror.Authentication("invalid or expired refresh token")
	}

	var user model.User
	if err := s.db.WithContext(ctx).Preload("VendorProfile").First(&user, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			prometheus.RecordAuthError("user_not_found")
			return nil, apperror.Authentication("invalid or expired refresh token")
		}
		return nil, internal(err)
	}
	return s.issue(&user)
}

// GetProfile returns the actor's user record, with the vendor profile for vendors
func (s *AccountService) GetProfile(ctx context.Context, actor Actor) (_ *model.User, err error) {
	ctx, span := startSpan(ctx, "GetProfile", actor)
	defer func() { endSpan(span, err) }()

	var user model.User
	if err := s.db.WithContext(ctx).Preload("VendorProfile").First(&user, actor.UserID).Error; err != nil {
		return nil, notFoundOr(err, "user")
	}
	return &user, nil
}

// UpdateProfile applies patch to the actor's own profile
func (s *AccountService) UpdateProfile(ctx context.Context, actor Actor, patch ProfilePatch) (_ *model.User, err error) {
	ctx, span := startSpan(ctx, "UpdateProfile", actor)
	defer func() { endSpan(span, err) }()

	fields := map[string]string{}
	if patch.Email != nil && strings.TrimSpace(*patch.Email) == "" {
		fields["email"] = "this field may not be blank"
	}
	if patch.PhoneNumber != nil && !validPhone(*patch.PhoneNumber) {
		fields["phone_number"] = "phone number must be 9 to 15 digits with an optional leading +"
	}
	if patch.VendorProfile != nil && !actor.IsVendor() {
		fields["vendor_profile"] = "only vendors have a business profile"
	}
	if len(fields) > 0 {
		return nil, apperror.Validation("validation failed", fields)
	}

	var user model.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).First(&user, actor.UserID).Error; err != nil {
			return notFoundOr(err, "user")
		}

		updates := map[string]interface{}{}
		if patch.Email != nil {
			email := strings.TrimSpace(*patch.Email)
			if email != user.Email {
				if err := checkUserUnique(tx, user.ID, "", email); err != nil {
					return err
				}
			}
			updates["email"] = email
		}
		if patch.PhoneNumber != nil {
			updates["phone_number"] = *patch.PhoneNumber
		}
		if patch.Address != nil {
			updates["address"] = *patch.Address
		}
		if len(updates) > 0 {
			if err := tx.Model(&user).Updates(updates).Error; err != nil {
				return err
			}
		}

		if vp := patch.VendorProfile; vp != nil {
			profileUpdates := map[string]interface{}{}
			if vp.BusinessName != nil {
				profileUpdates["business_name"] = *vp.BusinessName
			}
			if vp.BusinessDescription != nil {
				profileUpdates["business_description"] = *vp.BusinessDescription
			}
			if vp.BusinessAddress != nil {
				profileUpdates["business_address"] = *vp.BusinessAddress
			}
			if vp.Logo != nil {
				profileUpdates["logo"] = *vp.Logo
			}
			if len(profileUpdates) > 0 {
				res := tx.Model(&model.VendorProfile{}).Where("user_id = ?", user.ID).Updates(profileUpdates)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return apperror.NotFound("vendor profile")
				}
			}
		}

		return tx.Preload("VendorProfile").First(&user, user.ID).Error
	})
	if err != nil {
		return nil, internal(err)
	}

	logger.FromContext(ctx).Info("Profile updated", zap.Uint("user_id", user.ID))
	return &user, nil
}

func (s *AccountService) issue(user *model.User) (*AuthResult, error) {
	pair, err := s.tokens.GeneratePair(jwtutil.Subject{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.Role),
		IsStaff:  user.IsStaff,
	})
	if err != nil {
		prometheus.RecordAuthError("token_generation_failed")
		return nil, apperror.Internal("failed to issue tokens", err)
	}
	return &AuthResult{TokenPair: *pair, User: user}, nil
}

// checkUserUnique reports a validation error when username or email is
// taken by a user other than exceptID. Empty values are not checked.
func checkUserUnique(tx *gorm.DB, exceptID uint, username, email string) error {
	fields := map[string]string{}
	if username != "" {
		var count int64
		if err := tx.Model(&model.User{}).Where("username = ? AND id <> ?", username, exceptID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			fields["username"] = "a user with that username already exists"
		}
	}
	if email != "" {
		var count int64
		if err := tx.Model(&model.User{}).Where("LOWER(email) = LOWER(?) AND id <> ?", email, exceptID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			fields["email"] = "a user with that email already exists"
		}
	}
	if len(fields) > 0 {
		return apperror.Validation("validation failed", fields)
	}
	return nil
}
