package mpesa

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// Ack is the body the gateway expects back from every webhook.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted tells the gateway the notification was delivered.
var Accepted = Ack{ResultCode: 0, ResultDesc: "Accepted"}

// STKCallback is the parsed result of one STK push.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// set on success only
	Amount           decimal.NullDecimal
	Receipt          string
	PhoneNumber      string
	TransactionDate  string
	AccountReference string
}

func (c STKCallback) Succeeded() bool { return c.ResultCode == 0 }

type metaItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type stkEnvelope struct {
	Body *struct {
		STKCallback *struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metaItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback decodes the Body.stkCallback envelope. Metadata values may be JSON
// numbers or strings. A missing envelope, CheckoutRequestID or ResultCode is
// ErrMalformedCallback.
func ParseSTKCallback(raw []byte) (STKCallback, error) {
	var env stkEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return STKCallback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return STKCallback{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	cb := env.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return STKCallback{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := strconv.Atoi(scalar(cb.ResultCode))
	if err != nil {
		return STKCallback{}, fmt.Errorf("%w: ResultCode %q", ErrMalformedCallback, scalar(cb.ResultCode))
	}

	out := STKCallback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return out, nil
	}
	for _, it := range cb.CallbackMetadata.Item {
		v := scalar(it.Value)
		switch it.Name {
		case "Amount":
			if amt, err := decimal.NewFromString(v); err == nil {
				out.Amount = decimal.NewNullDecimal(amt)
			}
		case "MpesaReceiptNumber":
			out.Receipt = v
		case "PhoneNumber":
			out.PhoneNumber = v
		case "TransactionDate":
			out.TransactionDate = v
		case "AccountReference", "BillRefNumber":
			out.AccountReference = v
		}
	}
	return out, nil
}

// C2BConfirmation is a paybill payment made outside an STK push.
type C2BConfirmation struct {
	TransactionType   string
	TransID           string
	TransTime         string
	TransAmount       decimal.NullDecimal
	BusinessShortCode string
	BillRefNumber     string
	MSISDN            string
	FirstName         string
}

// ParseC2BConfirmation decodes a confirmation or validation request body.
func ParseC2BConfirmation(raw []byte) (C2BConfirmation, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return C2BConfirmation{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	out := C2BConfirmation{
		TransactionType:   scalar(m["TransactionType"]),
		TransID:           scalar(m["TransID"]),
		TransTime:         scalar(m["TransTime"]),
		BusinessShortCode: scalar(m["BusinessShortCode"]),
		BillRefNumber:     scalar(m["BillRefNumber"]),
		MSISDN:            scalar(m["MSISDN"]),
		FirstName:         scalar(m["FirstName"]),
	}
	if amt, err := decimal.NewFromString(scalar(m["TransAmount"])); err == nil {
		out.TransAmount = decimal.NewNullDecimal(amt)
	}
	if out.TransID == "" {
		return out, fmt.Errorf("%w: missing TransID", ErrMalformedCallback)
	}
	return out, nil
}

// scalar renders a JSON string or number as text. Numbers keep their literal digits so
// long phone numbers survive.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	return string(raw)
}
