package iyzico

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	checkoutInitializePath = "/payment/iyzipos/checkoutform/initialize/auth/ecom"

	authScheme   = "IYZWSv2"
	headerRandom = "x-iyzi-rnd"

	// SignatureHeader carries the webhook signature for checkout form events.
	SignatureHeader = "X-IYZ-SIGNATURE-V3"

	StatusSuccess = "success"
	StatusFailure = "failure"

	WebhookStatusSuccess = "SUCCESS"
	WebhookStatusFailure = "FAILURE"
)

var (
	errCredentialsRequired = errors.New("iyzico api key and secret key are required")
	errLoggerRequired      = errors.New("iyzico logger is required")
)

// Client calls the Iyzico checkout form API.
type Client struct {
	apiKey      string
	secretKey   string
	baseURL     string
	callbackURL string
	httpClient  *http.Client
	logg        *logger.Logger
	random      func() string
}

func NewClient(cfg config.IyzicoConfig, httpClient *http.Client, logg *logger.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errCredentialsRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://sandbox-api.iyzipay.com"
	}
	return &Client{
		apiKey:      cfg.APIKey,
		secretKey:   cfg.SecretKey,
		baseURL:     baseURL,
		callbackURL: cfg.CallbackURL,
		httpClient:  httpClient,
		logg:        logg,
		random: func() string {
			return strconv.FormatInt(time.Now().UnixNano(), 10)
		},
	}, nil
}

// Buyer is the subset of buyer details the checkout form requires.
type Buyer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	Email     string `json:"email"`
	GSMNumber string `json:"gsmNumber,omitempty"`
	Identity  string `json:"identityNumber"`
	Address   string `json:"registrationAddress"`
	IP        string `json:"ip"`
	City      string `json:"city"`
	Country   string `json:"country"`
}

type Address struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
}

type BasketItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category1 string `json:"category1"`
	ItemType  string `json:"itemType"`
	Price     string `json:"price"`
}

// CheckoutFormRequest starts a hosted checkout. ConversationID is echoed back in webhooks.
type CheckoutFormRequest struct {
	ConversationID string
	Price          decimal.Decimal
	Currency       string
	Description    string
	Buyer          Buyer
	CallbackURL    string
}

type checkoutFormBody struct {
	Locale              string       `json:"locale"`
	ConversationID      string       `json:"conversationId"`
	Price               string       `json:"price"`
	PaidPrice           string       `json:"paidPrice"`
	Currency            string       `json:"currency"`
	BasketID            string       `json:"basketId"`
	PaymentGroup        string       `json:"paymentGroup"`
	CallbackURL         string       `json:"callbackUrl"`
	EnabledInstallments []int        `json:"enabledInstallments"`
	Buyer               Buyer        `json:"buyer"`
	ShippingAddress     Address      `json:"shippingAddress"`
	BillingAddress      Address      `json:"billingAddress"`
	BasketItems         []BasketItem `json:"basketItems"`
}

type CheckoutForm struct {
	Status              string `json:"status"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
	ConversationID      string `json:"conversationId"`
	Token               string `json:"token"`
	TokenExpireTime     int    `json:"tokenExpireTime"`
	PaymentPageURL      string `json:"paymentPageUrl"`
	CheckoutFormContent string `json:"checkoutFormContent"`
}

// InitializeCheckoutForm creates a hosted checkout and returns its payment page URL.
func (c *Client) InitializeCheckoutForm(ctx context.Context, req CheckoutFormRequest) (*CheckoutForm, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "conversation id is required")
	}
	if !req.Price.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "TRY"
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = c.callbackURL
	}
	price := FormatPrice(req.Price)
	address := Address{
		ContactName: strings.TrimSpace(req.Buyer.Name + " " + req.Buyer.Surname),
		City:        req.Buyer.City,
		Country:     req.Buyer.Country,
		Address:     req.Buyer.Address,
	}
	body := checkoutFormBody{
		Locale:              "tr",
		ConversationID:      req.ConversationID,
		Price:               price,
		PaidPrice:           price,
		Currency:            currency,
		BasketID:            req.ConversationID,
		PaymentGroup:        "SUBSCRIPTION",
		CallbackURL:         callbackURL,
		EnabledInstallments: []int{1},
		Buyer:               req.Buyer,
		ShippingAddress:     address,
		BillingAddress:      address,
		BasketItems: []BasketItem{{
			ID:        req.ConversationID,
			Name:      req.Description,
			Category1: "Subscription",
			ItemType:  "VIRTUAL",
			Price:     price,
		}},
	}

	var out CheckoutForm
	if err := c.post(ctx, checkoutInitializePath, body, &out); err != nil {
		return nil, err
	}
	if out.Status != StatusSuccess {
		c.log(ctx, "rejected", map[string]any{"conversation_id": req.ConversationID, "error_code": out.ErrorCode})
		return nil, pkgerrors.New(pkgerrors.CodePaymentFailed, fmt.Sprintf("iyzico rejected checkout form: %s", out.ErrorMessage))
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode iyzico request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build iyzico request")
	}
	rnd := c.random()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerRandom, rnd)
	httpReq.Header.Set("Authorization", AuthorizationHeader(c.apiKey, c.secretKey, rnd, path, raw))

	c.log(ctx, "request", map[string]any{"path": path})
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "iyzico request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read iyzico response")
	}
	c.log(ctx, "response", map[string]any{"path": path, "status": resp.StatusCode})
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return pkgerrors.New(pkgerrors.CodeInternal, "iyzico rejected credentials")
	case resp.StatusCode >= http.StatusInternalServerError:
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("iyzico returned %d", resp.StatusCode))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode iyzico response")
	}
	return nil
}

// AuthorizationHeader builds the IYZWSv2 header:
// base64("apiKey:" + key + "&randomKey:" + rnd + "&signature:" + hex(HMAC-SHA256(secret, rnd + path + body))).
func AuthorizationHeader(apiKey, secretKey, rnd, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(rnd + path))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))
	params := "apiKey:" + apiKey + "&randomKey:" + rnd + "&signature:" + signature
	return authScheme + " " + base64.StdEncoding.EncodeToString([]byte(params))
}

// WebhookEvent is the JSON body Iyzico posts for checkout form results.
type WebhookEvent struct {
	EventType      string `json:"iyziEventType"`
	EventTime      int64  `json:"iyziEventTime"`
	PaymentID      string `json:"paymentId"`
	ConversationID string `json:"paymentConversationId"`
	ReferenceCode  string `json:"iyziReferenceCode"`
	Token          string `json:"token"`
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
	PaidPrice      string `json:"paidPrice"`
	Currency       string `json:"currency"`
}

func ParseWebhook(body []byte) (WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode iyzico webhook: %w", err)
	}
	if evt.PaymentID == "" || evt.ConversationID == "" || evt.Status == "" {
		return WebhookEvent{}, errors.New("iyzico webhook missing required fields")
	}
	return evt, nil
}

// Succeeded reports whether the event confirms a captured payment.
func (e WebhookEvent) Succeeded() bool {
	return strings.EqualFold(e.Status, WebhookStatusSuccess)
}

func (c *Client) VerifySignatureV3(evt WebhookEvent, signature string) bool {
	if c == nil {
		return false
	}
	return VerifySignatureV3(c.secretKey, evt, signature)
}

// VerifySignatureV3 checks hex(HMAC-SHA256(secret, secret + eventType + paymentId + conversationId + status)).
func VerifySignatureV3(secretKey string, evt WebhookEvent, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secretKey == "" || signature == "" {
		return false
	}
	expected := SignatureV3(secretKey, evt)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

func SignatureV3(secretKey string, evt WebhookEvent) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(secretKey + evt.EventType + evt.PaymentID + evt.ConversationID + evt.Status))
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatPrice renders amounts the way Iyzico expects them: plain decimal, no trailing zeros beyond one.
func FormatPrice(amount decimal.Decimal) string {
	s := amount.Round(2).StringFixed(2)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

func (c *Client) log(ctx context.Context, phase string, fields map[string]any) {
	if c == nil || c.logg == nil {
		return
	}
	fields["phase"] = phase
	fields["provider"] = "iyzico"
	c.logg.Info(c.logg.WithFields(ctx, fields), "iyzico "+phase)
}
