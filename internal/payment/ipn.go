package payment

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Text holds a JSON string or number as its literal text, so signatures are
// computed over exactly what the provider sent.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*t = ""
		return nil
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*t = Text(v)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*t = Text(n)
		return nil
	}
}

// IPN is the MoMo instant payment notification body.
type IPN struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       Text   `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      Text   `json:"transId"`
	ResultCode   Text   `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime Text   `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	RequestType  string `json:"requestType"`
	Signature    string `json:"signature"`
}

func (n IPN) values() map[string]string {
	return map[string]string{
		"amount":       string(n.Amount),
		"extraData":    n.ExtraData,
		"message":      n.Message,
		"orderId":      n.OrderID,
		"orderInfo":    n.OrderInfo,
		"orderType":    n.OrderType,
		"partnerCode":  n.PartnerCode,
		"payType":      n.PayType,
		"requestId":    n.RequestID,
		"requestType":  n.RequestType,
		"responseTime": string(n.ResponseTime),
		"resultCode":   string(n.ResultCode),
		"transId":      string(n.TransID),
	}
}

func (n IPN) resultCode() (int, bool) {
	c, err := strconv.Atoi(strings.TrimSpace(string(n.ResultCode)))
	return c, err == nil
}

// Ack is the body MoMo expects back from the IPN endpoint.
type Ack struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	OrderID    int64  `json:"orderId,omitempty"`
	State      string `json:"state,omitempty"`
}
