// Package payment talks to the MoMo gateway and settles orders when its
// payment notifications arrive.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/config"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const ProviderMoMo = "momo"

// NormalizeAmount converts a stored amount into the provider's integer minor
// unit: round(amount * multiplier), never below zero.
func NormalizeAmount(amount decimal.Decimal, multiplier int64) int64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	n := amount.Mul(decimal.NewFromInt(multiplier)).Round(0).IntPart()
	if n < 0 {
		return 0
	}
	return n
}

type CreateRequest struct {
	// OrderRef is sent as MoMo's orderId; settlement resolves it back.
	OrderRef  string
	Amount    decimal.Decimal
	OrderInfo string
	ExtraData string
}

type CreateResponse struct {
	PartnerCode  string `json:"partnerCode"`
	RequestID    string `json:"requestId"`
	OrderID      string `json:"orderId"`
	Amount       int64  `json:"amount"`
	ResponseTime int64  `json:"responseTime"`
	Message      string `json:"message"`
	ResultCode   int    `json:"resultCode"`
	PayURL       string `json:"payUrl"`
	Deeplink     string `json:"deeplink"`
	QRCodeURL    string `json:"qrCodeUrl"`
}

type createBody struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type Client struct {
	cfg    config.MoMo
	http   *http.Client
	signer Signer
	newID  func() string
}

func NewClient(cfg config.MoMo) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		signer: Signer{AccessKey: cfg.AccessKey, SecretKey: cfg.SecretKey},
		newID:  uuid.NewString,
	}
}

// CreatePayment asks MoMo for a payment request covering the amount.
func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if req.OrderRef == "" {
		return nil, faults.Validation("payment order reference required")
	}
	amount := NormalizeAmount(req.Amount, c.cfg.AmountMultiplier)
	body := createBody{
		PartnerCode: c.cfg.PartnerCode,
		RequestID:   c.newID(),
		Amount:      amount,
		OrderID:     req.OrderRef,
		OrderInfo:   req.OrderInfo,
		RedirectURL: c.cfg.RedirectURL,
		IPNURL:      c.cfg.IPNURL,
		RequestType: c.cfg.RequestType,
		ExtraData:   req.ExtraData,
		Lang:        "vi",
	}
	body.Signature = c.signer.Sign(CreateFieldSet, map[string]string{
		"amount":      strconv.FormatInt(body.Amount, 10),
		"extraData":   body.ExtraData,
		"ipnUrl":      body.IPNURL,
		"orderId":     body.OrderID,
		"orderInfo":   body.OrderInfo,
		"partnerCode": body.PartnerCode,
		"redirectUrl": body.RedirectURL,
		"requestId":   body.RequestID,
		"requestType": body.RequestType,
	})

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal req payload: %w", err)
	}
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v2/gateway/api/create"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: http client do: %v", faults.ErrPayment, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", faults.ErrPayment, err)
	}
	var out CreateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: status %d, decode body: %v", faults.ErrPayment, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out.ResultCode != 0 {
		return nil, fmt.Errorf("%w: status %d, resultCode %d: %s", faults.ErrPayment, resp.StatusCode, out.ResultCode, out.Message)
	}
	if out.RequestID == "" {
		out.RequestID = body.RequestID
	}
	return &out, nil
}
