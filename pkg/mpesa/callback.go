package mpesa

import (
	"encoding/json"
	"fmt"
)

// CallbackEnvelope is the body Daraja POSTs to the callback URL
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback reports the customer's decision on an STK push
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.Number       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata carries the receipt details of a successful payment
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one named metadata value
type CallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// Succeeded reports whether the result code is 0
func (cb STKCallback) Succeeded() bool {
	code, err := cb.ResultCode.Int64()
	return err == nil && code == 0
}

// Metadata returns the named item rendered as a string
func (cb STKCallback) Metadata(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name != name || item.Value == nil {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v, true
		case float64:
			return fmt.Sprintf("%.0f", v), true
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// ReceiptNumber is the M-Pesa transaction receipt of a successful payment
func (cb STKCallback) ReceiptNumber() string {
	receipt, _ := cb.Metadata("MpesaReceiptNumber")
	return receipt
}
