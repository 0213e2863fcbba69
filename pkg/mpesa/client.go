// Package mpesa is a client for the Safaricom Daraja API: OAuth
// client-credentials tokens and Lipa na M-Pesa Online (STK push).
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/0097eo/cafe-zuko/pkg/config"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/prometheus"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	tokenPath        = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath      = "/mpesa/stkpush/v1/processrequest"
	timestampLayout  = "20060102150405"
	transactionType  = "CustomerPayBillOnline"
	tokenExpirySlack = 60 * time.Second
)

// GatewayError is a non-2xx answer from Daraja. Body holds the decoded
// JSON payload when there was one.
type GatewayError struct {
	StatusCode int
	Body       map[string]interface{}
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa gateway returned status %d", e.StatusCode)
}

// TokenResponse is the OAuth token endpoint response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// STKPushRequest is the application-level input of an STK push
type STKPushRequest struct {
	Amount           int64
	PhoneNumber      string
	AccountReference string
	Description      string
}

// STKPushResponse is Daraja's synchronous acknowledgement of an STK push
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// Client talks to Daraja. Access tokens are cached until shortly before
// they expire.
type Client struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a Daraja client with the configured request timeout
func NewClient(cfg config.MpesaConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Password computes the STK push password for a timestamp:
// base64(shortcode + passkey + timestamp)
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// AccessToken returns a cached token or fetches a new one
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	log := logger.FromContext(ctx)
	log.Info("Requesting M-Pesa access token")

	var token TokenResponse
	err := c.do(ctx, "token", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Basic "+c.basicAuth())
		return req, nil
	}, &token)
	if err != nil {
		log.Error("Failed to obtain M-Pesa access token", zap.Error(err))
		return "", err
	}
	if token.AccessToken == "" {
		return "", errors.New("mpesa token response has no access_token")
	}

	ttl := 3599 * time.Second
	var seconds int
	if _, scanErr := fmt.Sscanf(token.ExpiresIn, "%d", &seconds); scanErr == nil && seconds > 0 {
		ttl = time.Duration(seconds) * time.Second
	}
	c.accessToken = token.AccessToken
	c.tokenExpiry = c.now().Add(ttl - tokenExpirySlack)

	return c.accessToken, nil
}

// STKPush prompts the customer's phone to authorize a payment
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            in.Amount,
		PartyA:            in.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   in.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("Submitting STK push",
		zap.String("account_reference", in.AccountReference),
		zap.Int64("amount", in.Amount))

	var resp STKPushResponse
	err = c.do(ctx, "stk_push", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPushPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.CheckoutRequestID == "" {
		return nil, &GatewayError{StatusCode: http.StatusOK, Body: map[string]interface{}{
			"ResponseCode":        resp.ResponseCode,
			"ResponseDescription": resp.ResponseDescription,
		}}
	}
	return &resp, nil
}

// do sends the request built by newReq, retrying transport errors and 5xx
// answers with exponential backoff. 4xx answers are returned immediately
// as *GatewayError.
func (c *Client) do(ctx context.Context, operation string, newReq func() (*http.Request, error), out interface{}) error {
	start := time.Now()
	outcome := "success"
	defer func() {
		prometheus.GatewayRequestDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(max(c.cfg.MaxRetries, 0))),
		ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			logger.FromContext(ctx).Warn("M-Pesa request failed",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 300 {
			gwErr := &GatewayError{StatusCode: resp.StatusCode}
			if len(data) > 0 {
				_ = json.Unmarshal(data, &gwErr.Body)
			}
			if gwErr.Body == nil {
				gwErr.Body = map[string]interface{}{"response": string(data)}
			}
			if resp.StatusCode >= 500 {
				return gwErr
			}
			return backoff.Permanent(gwErr)
		}

		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", operation, err))
		}
		return nil
	}, policy)
	if err != nil {
		outcome = "error"
	}
	return err
}

func (c *Client) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
}
