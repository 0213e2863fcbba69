package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/0097eo/cafe-zuko/internal/testutil"
	"github.com/0097eo/cafe-zuko/pkg/jwtutil"
	"github.com/0097eo/cafe-zuko/pkg/mpesa"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubGateway struct {
	resp *mpesa.STKPushResponse
	err  error
}

func (g *stubGateway) STKPush(context.Context, mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	return g.resp, g.err
}

type testServer struct {
	t       *testing.T
	db      *gorm.DB
	e       *echo.Echo
	tokens  *jwtutil.JWTUtil
	gateway *stubGateway
}

func newTestServer(t *testing.T) *testServer {
	db := testutil.NewDB(t)
	tokens := jwtutil.NewJWTUtil(&jwtutil.JWTConfig{
		SigningKey:      "handler-test-key",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	gateway := &stubGateway{resp: &mpesa.STKPushResponse{
		MerchantRequestID: "m-1",
		CheckoutRequestID: "ws_CO_handler",
		CustomerMessage:   "Success. Request accepted for processing",
	}}

	e := echo.New()
	e.Use(middleware.RequestIDMiddleware)
	New(Services{
		Accounts: service.NewAccountService(db, tokens),
		Catalog:  service.NewCatalogService(db, nil),
		Carts:    service.NewCartService(db),
		Orders:   service.NewOrderService(db, nil),
		Payments: service.NewPaymentService(db, gateway, nil),
	}, tokens).Register(e)

	return &testServer{t: t, db: db, e: e, tokens: tokens, gateway: gateway}
}

type response struct {
	*httptest.ResponseRecorder
}

func (r response) decode(t *testing.T, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body.Bytes(), dst), r.Body.String())
}

func (s *testServer) do(method, path, token string, body interface{}) response {
	s.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return response{rec}
}

// user creates an account directly and returns its access token
func (s *testServer) user(username string, role model.Role, staff bool) (model.User, string) {
	s.t.Helper()
	user := model.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		Role:     role,
		IsStaff:  staff,
		Address:  "Biashara Street",
	}
	require.NoError(s.t, s.db.Create(&user).Error)
	pair, err := s.tokens.GeneratePair(jwtutil.Subject{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(role),
		IsStaff:  staff,
	})
	require.NoError(s.t, err)
	return user, pair.Access
}

func (s *testServer) vendor(username string) (uint, string) {
	s.t.Helper()
	user, token := s.user(username, model.RoleVendor, false)
	profile := model.VendorProfile{UserID: user.ID, BusinessName: username}
	require.NoError(s.t, s.db.Create(&profile).Error)
	return profile.ID, token
}

func (s *testServer) product(vendorID uint, price string, available bool) model.Product {
	s.t.Helper()
	product := model.Product{
		VendorID:    vendorID,
		Name:        "Product " + price,
		Price:       decimal.RequireFromString(price),
		Stock:       10,
		RoastType:   model.RoastMedium,
		IsAvailable: true,
	}
	require.NoError(s.t, s.db.Create(&product).Error)
	if !available {
		require.NoError(s.t, s.db.Model(&product).Update("is_available", false).Error)
	}
	return product
}

type errorBody struct {
	Error   string                 `json:"error"`
	Fields  map[string]string      `json:"fields"`
	Details map[string]interface{} `json:"details"`
}

func TestProtectedRoutesRequireAccessToken(t *testing.T) {
	s := newTestServer(t)
	user, _ := s.user("u", model.RoleCustomer, false)
	pair, err := s.tokens.GeneratePair(jwtutil.Subject{UserID: user.ID, Username: user.Username, Role: string(user.Role)})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"refresh token", pair.Refresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.do(http.MethodGet, "/api/orders", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, res.Code)
			var body errorBody
			res.decode(t, &body)
			assert.NotEmpty(t, body.Error)
		})
	}

	res := s.do(http.MethodGet, "/api/orders", pair.Access, nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, res.Header().Get("X-Request-ID"))
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t)

	res := s.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username":      "kahawa",
		"email":         "kahawa@example.com",
		"password":      "s3cret",
		"user_type":     "VENDOR",
		"business_name": "Kahawa House",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var signup struct {
		Access  string     `json:"access"`
		Refresh string     `json:"refresh"`
		User    model.User `json:"user"`
	}
	res.decode(t, &signup)
	assert.NotEmpty(t, signup.Access)
	assert.NotEmpty(t, signup.Refresh)
	require.NotNil(t, signup.User.VendorProfile)
	assert.Equal(t, "Kahawa House", signup.User.VendorProfile.BusinessName)
	assert.NotContains(t, res.Body.String(), "s3cret")

	res = s.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username":  "kahawa",
		"email":     "other@example.com",
		"password":  "pw",
		"user_type": "CUSTOMER",
	})
	require.Equal(t, http.StatusBadRequest, res.Code)
	var dup errorBody
	res.decode(t, &dup)
	assert.Contains(t, dup.Fields, "username")

	res = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": "kahawa", "password": "s3cret"})
	assert.Equal(t, http.StatusOK, res.Code)

	res = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": "kahawa", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = s.do(http.MethodGet, "/api/auth/profile", signup.Access, nil)
	assert.Equal(t, http.StatusOK, res.Code)

	res = s.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh": signup.Refresh})
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t)

	res := s.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username":     "x",
		"email":        "not-an-email",
		"user_type":    "ADMIN",
		"phone_number": "12ab",
	})
	require.Equal(t, http.StatusBadRequest, res.Code)
	var body errorBody
	res.decode(t, &body)
	assert.Contains(t, body.Fields, "email")
	assert.Contains(t, body.Fields, "password")
	assert.Contains(t, body.Fields, "user_type")
	assert.Contains(t, body.Fields, "phone_number")

	res = s.do(http.MethodPost, "/api/auth/signup", "", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestProfileUpdateRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	_, token := s.user("u", model.RoleCustomer, false)

	res := s.do(http.MethodPut, "/api/auth/profile", token, map[string]interface{}{"is_staff": true})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = s.do(http.MethodPut, "/api/auth/profile", token, map[string]interface{}{"address": "Muindi Mbingu Street"})
	require.Equal(t, http.StatusOK, res.Code)
	var user model.User
	res.decode(t, &user)
	assert.Equal(t, "Muindi Mbingu Street", user.Address)
	assert.False(t, user.IsStaff)
}

func TestProductRoutes(t *testing.T) {
	s := newTestServer(t)
	vendorID, vendorToken := s.vendor("roaster")
	_, customerToken := s.user("c", model.RoleCustomer, false)
	s.product(vendorID, "5.00", false)

	payload := map[string]interface{}{"name": "Kenya AA", "price": "12.50", "stock": 4, "roast_type": "LIGHT"}

	res := s.do(http.MethodPost, "/api/products", customerToken, payload)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = s.do(http.MethodPost, "/api/products", vendorToken, map[string]interface{}{"name": "x", "roast_type": "BURNT"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	var invalid errorBody
	res.decode(t, &invalid)
	assert.Contains(t, invalid.Fields, "roast_type")

	res = s.do(http.MethodPost, "/api/products", vendorToken, payload)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var created service.ProductView
	res.decode(t, &created)
	assert.Equal(t, "12.50", created.Price)
	assert.Nil(t, created.AverageRating)

	var anonymous []service.ProductView
	res = s.do(http.MethodGet, "/api/products", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	res.decode(t, &anonymous)
	assert.Len(t, anonymous, 1)

	var own []service.ProductView
	res = s.do(http.MethodGet, "/api/products", vendorToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	res.decode(t, &own)
	assert.Len(t, own, 2)

	res = s.do(http.MethodGet, "/api/products?roast=BURNT", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = s.do(http.MethodPost, fmt.Sprintf("/api/products/%d/reviews", created.ID), customerToken, map[string]interface{}{"rating": 9})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = s.do(http.MethodPost, fmt.Sprintf("/api/products/%d/reviews", created.ID), customerToken, map[string]interface{}{"rating": 4})
	assert.Equal(t, http.StatusCreated, res.Code)

	res = s.do(http.MethodDelete, fmt.Sprintf("/api/products/%d", created.ID), vendorToken, nil)
	assert.Equal(t, http.StatusNoContent, res.Code)
	res = s.do(http.MethodDelete, fmt.Sprintf("/api/products/%d", created.ID), vendorToken, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestCartRoutes(t *testing.T) {
	s := newTestServer(t)
	vendorID, _ := s.vendor("roaster")
	product := s.product(vendorID, "10.00", true)
	_, token := s.user("u", model.RoleCustomer, false)

	res := s.do(http.MethodPost, "/api/cart", token, map[string]interface{}{"vendor_id": vendorID, "product_id": product.ID})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var cart service.CartView
	res.decode(t, &cart)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 1, cart.Items[0].Quantity)

	res = s.do(http.MethodPut, fmt.Sprintf("/api/cart/items/%d", cart.Items[0].ID), token, map[string]int{"quantity": 4})
	require.Equal(t, http.StatusOK, res.Code)
	res.decode(t, &cart)
	assert.Equal(t, "40.00", cart.Total)

	res = s.do(http.MethodPut, fmt.Sprintf("/api/cart/items/%d", cart.Items[0].ID), token, map[string]int{"quantity": 0})
	assert.Equal(t, http.StatusNoContent, res.Code)

	res = s.do(http.MethodDelete, fmt.Sprintf("/api/cart/items/%d", cart.Items[0].ID), token, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestOrderRoutes(t *testing.T) {
	s := newTestServer(t)
	vendorID, _ := s.vendor("roaster")
	product := s.product(vendorID, "10.00", true)
	_, owner := s.user("owner", model.RoleCustomer, false)
	_, other := s.user("other", model.RoleCustomer, false)

	res := s.do(http.MethodPost, "/api/orders", owner, map[string]interface{}{
		"items":            []map[string]interface{}{{"product": product.ID, "quantity": 0}},
		"shipping_address": "x",
	})
	require.Equal(t, http.StatusBadRequest, res.Code)
	var invalid errorBody
	res.decode(t, &invalid)
	assert.Contains(t, invalid.Fields, "items[0].quantity")

	res = s.do(http.MethodPost, "/api/orders", owner, map[string]interface{}{
		"items":            []map[string]interface{}{{"product": product.ID, "quantity": 3}},
		"shipping_address": "Moi Avenue",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var order service.OrderView
	res.decode(t, &order)
	assert.Equal(t, "30.00", order.TotalAmount)

	path := fmt.Sprintf("/api/orders/%d", order.ID)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, path, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, path, other, nil).Code)

	res = s.do(http.MethodPatch, path, owner, map[string]string{"tracking_number": "TRK-1"})
	require.Equal(t, http.StatusOK, res.Code)
	res.decode(t, &order)
	assert.Equal(t, "TRK-1", order.TrackingNumber)
	assert.Equal(t, "30.00", order.TotalAmount)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, path, owner, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, path, owner, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/orders/abc", owner, nil).Code)
}

func TestPaymentRoutes(t *testing.T) {
	s := newTestServer(t)
	vendorID, _ := s.vendor("roaster")
	product := s.product(vendorID, "10.00", true)
	_, token := s.user("u", model.RoleCustomer, false)

	res := s.do(http.MethodPost, "/api/orders", token, map[string]interface{}{
		"items":            []map[string]interface{}{{"product": product.ID, "quantity": 1}},
		"shipping_address": "Moi Avenue",
	})
	require.Equal(t, http.StatusCreated, res.Code)
	var order service.OrderView
	res.decode(t, &order)

	initiate := map[string]interface{}{"order_id": order.ID, "amount": "10.00", "phone_number": "254708374149"}

	s.gateway.err = &mpesa.GatewayError{StatusCode: http.StatusBadRequest, Body: map[string]interface{}{"errorMessage": "Invalid PhoneNumber"}}
	res = s.do(http.MethodPost, "/api/payments/initiate", token, initiate)
	require.Equal(t, http.StatusBadRequest, res.Code)
	var rejected errorBody
	res.decode(t, &rejected)
	assert.Equal(t, "Invalid PhoneNumber", rejected.Details["errorMessage"])

	s.gateway.err = nil
	res = s.do(http.MethodPost, "/api/payments/initiate", token, initiate)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var initiated service.InitiateResult
	res.decode(t, &initiated)
	assert.Equal(t, "ws_CO_handler", initiated.CheckoutRequestID)

	callback := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_handler","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"QWE123"}]}}}}`
	res = s.do(http.MethodPost, "/api/payments/callback", "", callback)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var ack service.CallbackResult
	res.decode(t, &ack)
	assert.Equal(t, model.PaymentCompleted, ack.Status)

	res = s.do(http.MethodPost, "/api/payments/callback", "", callback)
	require.Equal(t, http.StatusOK, res.Code)
	res.decode(t, &ack)
	assert.Equal(t, "Callback already processed", ack.Message)

	res = s.do(http.MethodPost, "/api/payments/callback", "", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_other","ResultCode":0}}}`)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = s.do(http.MethodGet, fmt.Sprintf("/api/payments/%d", initiated.PaymentID), token, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var payment service.PaymentView
	res.decode(t, &payment)
	assert.Equal(t, "QWE123", payment.PaymentIntentID)

	res = s.do(http.MethodPost, fmt.Sprintf("/api/payments/%d/refund", initiated.PaymentID), token,
		map[string]string{"amount": "5", "reason": "changed my mind"})
	assert.Equal(t, http.StatusForbidden, res.Code)
}
