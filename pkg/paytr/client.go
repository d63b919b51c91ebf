package paytr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	tokenPath      = "/odeme/api/get-token"
	securePagePath = "/odeme/guvenli/"

	StatusSuccess = "success"
	StatusFailed  = "failed"

	// CallbackOK is the literal body PayTR expects once a callback was accepted.
	CallbackOK   = "OK"
	CallbackFail = "FAIL"
)

var (
	errCredentialsRequired = errors.New("paytr merchant id, key and salt are required")
	errLoggerRequired      = errors.New("paytr logger is required")
)

// Client talks to the PayTR iFrame/link API.
type Client struct {
	merchantID  string
	merchantKey string
	salt        string
	baseURL     string
	testMode    bool
	httpClient  *http.Client
	logg        *logger.Logger
}

func NewClient(cfg config.PayTRConfig, httpClient *http.Client, logg *logger.Logger) (*Client, error) {
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
		baseURL = "https://www.paytr.com"
	}
	return &Client{
		merchantID:  cfg.MerchantID,
		merchantKey: cfg.MerchantKey,
		salt:        cfg.MerchantSalt,
		baseURL:     baseURL,
		testMode:    cfg.TestMode,
		httpClient:  httpClient,
		logg:        logg,
	}, nil
}

// LinkRequest is one hosted payment page for a merchant order id.
type LinkRequest struct {
	MerchantOID    string
	Email          string
	AmountKurus    int64
	Currency       string
	UserName       string
	UserPhone      string
	UserAddress    string
	UserIP         string
	Description    string
	SuccessURL     string
	FailURL        string
	MaxInstallment int
	TimeoutMinutes int
}

type LinkResult struct {
	Token string
	URL   string
}

type tokenResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// CreatePaymentLink requests an iFrame token; the tenant completes payment on the returned URL.
func (c *Client) CreatePaymentLink(ctx context.Context, req LinkRequest) (*LinkResult, error) {
	if strings.TrimSpace(req.MerchantOID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant order id is required")
	}
	if req.AmountKurus <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	form := c.linkForm(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build paytr request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.log(ctx, "request", map[string]any{"merchant_oid": req.MerchantOID, "amount": req.AmountKurus})
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "paytr token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read paytr response")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("paytr returned %d", resp.StatusCode))
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode paytr response")
	}
	if decoded.Status != StatusSuccess || decoded.Token == "" {
		c.log(ctx, "rejected", map[string]any{"merchant_oid": req.MerchantOID, "reason": decoded.Reason})
		return nil, pkgerrors.New(pkgerrors.CodePaymentFailed, fmt.Sprintf("paytr rejected payment link: %s", decoded.Reason))
	}

	c.log(ctx, "response", map[string]any{"merchant_oid": req.MerchantOID})
	return &LinkResult{
		Token: decoded.Token,
		URL:   c.baseURL + securePagePath + decoded.Token,
	}, nil
}

func (c *Client) linkForm(req LinkRequest) url.Values {
	basket, _ := json.Marshal([][]string{{req.Description, "1", strconv.FormatInt(req.AmountKurus, 10)}})
	basketB64 := base64.StdEncoding.EncodeToString(basket)

	userIP := req.UserIP
	if userIP == "" {
		userIP = "127.0.0.1"
	}
	currency := req.Currency
	if currency == "" || strings.EqualFold(currency, "TRY") {
		currency = "TL"
	}
	noInstallment := "0"
	if req.MaxInstallment == 1 {
		noInstallment = "1"
	}
	testMode := "0"
	if c.testMode {
		testMode = "1"
	}
	timeout := req.TimeoutMinutes
	if timeout <= 0 {
		timeout = 30
	}
	amount := strconv.FormatInt(req.AmountKurus, 10)
	maxInstallment := strconv.Itoa(req.MaxInstallment)

	token := c.sign(c.merchantID + userIP + req.MerchantOID + req.Email + amount + basketB64 +
		noInstallment + maxInstallment + currency + testMode + c.salt)

	form := url.Values{}
	form.Set("merchant_id", c.merchantID)
	form.Set("user_ip", userIP)
	form.Set("merchant_oid", req.MerchantOID)
	form.Set("email", req.Email)
	form.Set("payment_amount", amount)
	form.Set("paytr_token", token)
	form.Set("user_name", req.UserName)
	form.Set("user_address", req.UserAddress)
	form.Set("user_phone", req.UserPhone)
	form.Set("user_basket", basketB64)
	form.Set("debug_on", testMode)
	form.Set("test_mode", testMode)
	form.Set("no_installment", noInstallment)
	form.Set("max_installment", maxInstallment)
	form.Set("currency", currency)
	form.Set("lang", "tr")
	form.Set("merchant_ok_url", req.SuccessURL)
	form.Set("merchant_fail_url", req.FailURL)
	form.Set("timeout_limit", strconv.Itoa(timeout))
	return form
}

// Callback is the form PayTR posts to the notification URL.
type Callback struct {
	MerchantOID      string
	Status           string
	TotalAmount      string
	Hash             string
	FailedReasonCode string
	FailedReasonMsg  string
	TestMode         bool
	PaymentType      string
	Currency         string
}

// ParseCallback reads the posted form. Missing identity fields make the payload unusable.
func ParseCallback(form url.Values) (Callback, error) {
	cb := Callback{
		MerchantOID:      form.Get("merchant_oid"),
		Status:           form.Get("status"),
		TotalAmount:      form.Get("total_amount"),
		Hash:             form.Get("hash"),
		FailedReasonCode: form.Get("failed_reason_code"),
		FailedReasonMsg:  form.Get("failed_reason_msg"),
		TestMode:         form.Get("test_mode") == "1",
		PaymentType:      form.Get("payment_type"),
		Currency:         form.Get("currency"),
	}
	if cb.MerchantOID == "" || cb.Status == "" || cb.TotalAmount == "" || cb.Hash == "" {
		return Callback{}, errors.New("paytr callback missing required fields")
	}
	if cb.Status != StatusSuccess && cb.Status != StatusFailed {
		return Callback{}, fmt.Errorf("unknown paytr status %q", cb.Status)
	}
	if _, err := strconv.ParseInt(cb.TotalAmount, 10, 64); err != nil {
		return Callback{}, fmt.Errorf("invalid paytr total_amount %q", cb.TotalAmount)
	}
	return cb, nil
}

// Amount converts total_amount (kurus) into major units.
func (cb Callback) Amount() decimal.Decimal {
	kurus, _ := strconv.ParseInt(cb.TotalAmount, 10, 64)
	return FromKurus(kurus)
}

// VerifyCallback checks hash = base64(HMAC-SHA256(key, merchant_oid + salt + status + total_amount)).
func (c *Client) VerifyCallback(cb Callback) bool {
	if c == nil {
		return false
	}
	return VerifyCallback(c.merchantKey, c.salt, cb)
}

func VerifyCallback(merchantKey, salt string, cb Callback) bool {
	if cb.Hash == "" {
		return false
	}
	expected := CallbackHash(merchantKey, salt, cb.MerchantOID, cb.Status, cb.TotalAmount)
	return hmac.Equal([]byte(expected), []byte(cb.Hash))
}

func CallbackHash(merchantKey, salt, merchantOID, status, totalAmount string) string {
	return sign(merchantKey, merchantOID+salt+status+totalAmount)
}

// ToKurus converts a major-unit amount into kurus, rounding half away from zero.
func ToKurus(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func FromKurus(kurus int64) decimal.Decimal {
	return decimal.New(kurus, -2)
}

func (c *Client) sign(data string) string {
	return sign(c.merchantKey, data)
}

func sign(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) log(ctx context.Context, phase string, fields map[string]any) {
	if c == nil || c.logg == nil {
		return
	}
	fields["phase"] = phase
	fields["provider"] = "paytr"
	c.logg.Info(c.logg.WithFields(ctx, fields), "paytr "+phase)
}
