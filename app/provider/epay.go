package provider

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

const (
	epaySignTypeMD5    = "MD5"
	epayTradeSucceeded = "TRADE_SUCCESS"
)

type EpayConfig struct {
	MerchantID    string
	Key           string
	GatewayURL    string
	NotifyURL     string
	ReturnURL     string
	DisplayName   string
	DefaultMethod string
	// QueryURL is the gateway's order lookup endpoint. It defaults to api.php
	// next to GatewayURL.
	QueryURL    string
	HTTPTimeout time.Duration
}

// EpayProvider talks to a redirect gateway that authenticates both directions
// with an MD5 digest over the sorted parameters plus a shared key.
type EpayProvider struct {
	cfg    EpayConfig
	client *http.Client
}

// epayExtra is echoed back unmodified in the callback's param field.
type epayExtra struct {
	UserID    string `json:"userId"`
	PlanType  string `json:"planType"`
	Reference string `json:"reference"`
}

func NewEpayProvider(cfg EpayConfig) *EpayProvider {
	cfg.MerchantID = strings.TrimSpace(cfg.MerchantID)
	cfg.Key = strings.TrimSpace(cfg.Key)
	cfg.GatewayURL = strings.TrimSpace(cfg.GatewayURL)
	cfg.NotifyURL = strings.TrimSpace(cfg.NotifyURL)
	cfg.ReturnURL = strings.TrimSpace(cfg.ReturnURL)
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = "Membership"
	}
	if strings.TrimSpace(cfg.DefaultMethod) == "" {
		cfg.DefaultMethod = "alipay"
	}
	cfg.QueryURL = strings.TrimSpace(cfg.QueryURL)
	if cfg.QueryURL == "" && cfg.GatewayURL != "" {
		cfg.QueryURL = siblingURL(cfg.GatewayURL, "api.php")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EpayProvider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *EpayProvider) Code() string {
	return entity.ProviderRedirectSign
}

func (p *EpayProvider) validateConfig() error {
	switch {
	case p.cfg.MerchantID == "":
		return fmt.Errorf("%w: epay merchant id is missing", ErrNotConfigured)
	case p.cfg.Key == "":
		return fmt.Errorf("%w: epay key is missing", ErrNotConfigured)
	case p.cfg.GatewayURL == "":
		return fmt.Errorf("%w: epay gateway url is missing", ErrNotConfigured)
	case p.cfg.NotifyURL == "":
		return fmt.Errorf("%w: epay notify url is missing", ErrNotConfigured)
	}

	for name, raw := range map[string]string{"notify": p.cfg.NotifyURL, "return": p.cfg.ReturnURL} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: epay %s url is invalid", ErrNotConfigured, name)
		}
		if parsed.RawQuery != "" || strings.Contains(raw, "?") {
			return fmt.Errorf("%w: epay %s url must not carry query parameters", ErrNotConfigured, name)
		}
	}
	return nil
}

func (p *EpayProvider) CreateCheckout(_ context.Context, input *CheckoutInput) (*CheckoutOutput, error) {
	if err := p.validateConfig(); err != nil {
		return nil, err
	}
	if input == nil || strings.TrimSpace(input.PlanType) == "" || input.AmountMinor <= 0 {
		return nil, ErrUnknownPlan
	}

	extra, err := encodeEpayExtra(epayExtra{
		UserID:    input.UserID,
		PlanType:  input.PlanType,
		Reference: input.Reference,
	})
	if err != nil {
		return nil, err
	}

	method := strings.TrimSpace(input.PaymentMethod)
	if method == "" {
		method = p.cfg.DefaultMethod
	}

	params := map[string]string{
		"pid":          p.cfg.MerchantID,
		"type":         method,
		"out_trade_no": input.Reference,
		"notify_url":   p.cfg.NotifyURL,
		"return_url":   p.cfg.ReturnURL,
		"name":         p.cfg.DisplayName + " " + input.PlanType,
		"money":        formatMinor(input.AmountMinor),
		"param":        extra,
	}

	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	values.Set("sign", SignEpay(params, p.cfg.Key))
	values.Set("sign_type", epaySignTypeMD5)

	return &CheckoutOutput{URL: p.cfg.GatewayURL + "?" + values.Encode()}, nil
}

func (p *EpayProvider) VerifyCallback(_ context.Context, input *CallbackInput) (*CallbackResult, error) {
	if p.cfg.Key == "" {
		return nil, fmt.Errorf("%w: epay key is missing", ErrNotConfigured)
	}
	if input == nil || len(input.Params) == 0 {
		return nil, ErrInvalidSignature
	}

	params := flattenParams(input.Params)
	signature := strings.ToLower(strings.TrimSpace(params["sign"]))
	if signature == "" {
		return nil, ErrInvalidSignature
	}
	if signType := strings.TrimSpace(params["sign_type"]); signType != "" && !strings.EqualFold(signType, epaySignTypeMD5) {
		return nil, ErrInvalidSignature
	}

	expected := SignEpay(params, p.cfg.Key)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return nil, ErrInvalidSignature
	}

	// Everything below is covered by the signature.
	if pid := strings.TrimSpace(params["pid"]); pid != "" && pid != p.cfg.MerchantID {
		return nil, fmt.Errorf("%w: merchant id mismatch", ErrMalformedCallback)
	}

	reference := strings.TrimSpace(params["out_trade_no"])
	if reference == "" {
		return nil, fmt.Errorf("%w: out_trade_no is missing", ErrMalformedCallback)
	}

	extra, err := decodeEpayExtra(params["param"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if extra.Reference != reference {
		return nil, fmt.Errorf("%w: reference mismatch", ErrMalformedCallback)
	}

	result := &CallbackResult{
		Valid:               true,
		EventID:             strings.TrimSpace(params["trade_no"]),
		EventType:           strings.TrimSpace(params["trade_status"]),
		Reference:           reference,
		CustomerReferenceID: extra.UserID,
		PlanType:            extra.PlanType,
		CorrelationID:       strings.TrimSpace(params["trade_no"]),
	}

	if raw := strings.TrimSpace(params["money"]); raw != "" {
		amount, err := parseMinor(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: money is invalid", ErrMalformedCallback)
		}
		result.AmountMinor = &amount
	}

	if result.EventType == epayTradeSucceeded {
		result.Outcome = OutcomeSucceeded
	} else {
		result.Outcome = OutcomeFailed
		result.FailureReason = "trade_status=" + result.EventType
	}

	return result, nil
}

// CheckoutStatus asks the gateway about one order. A paid trade succeeds, a
// known unpaid trade fails as expired, and a reference the gateway has never
// seen reports ErrUnknownCheckout.
func (p *EpayProvider) CheckoutStatus(ctx context.Context, reference, _ string) (*CallbackResult, error) {
	if p.cfg.MerchantID == "" || p.cfg.Key == "" || p.cfg.QueryURL == "" {
		return nil, fmt.Errorf("%w: epay query is not configured", ErrNotConfigured)
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrUnknownCheckout
	}

	values := url.Values{}
	values.Set("act", "order")
	values.Set("pid", p.cfg.MerchantID)
	values.Set("key", p.cfg.Key)
	values.Set("out_trade_no", reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.QueryURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Path: "epay:order", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &UnavailableError{Path: "epay:order", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnavailableError{Path: "epay:order", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Code       json.RawMessage `json:"code"`
		Msg        string          `json:"msg"`
		TradeNo    string          `json:"trade_no"`
		OutTradeNo string          `json:"out_trade_no"`
		Money      string          `json:"money"`
		Status     json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UnavailableError{Path: "epay:order", StatusCode: resp.StatusCode, Err: err}
	}
	if epayFlag(payload.Code) != "1" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheckout, strings.TrimSpace(payload.Msg))
	}
	if got := strings.TrimSpace(payload.OutTradeNo); got != "" && got != reference {
		return nil, &UnavailableError{Path: "epay:order", StatusCode: resp.StatusCode, Body: "reference mismatch"}
	}

	result := &CallbackResult{
		Valid:         true,
		EventID:       strings.TrimSpace(payload.TradeNo),
		EventType:     "order_query",
		Reference:     reference,
		CorrelationID: strings.TrimSpace(payload.TradeNo),
	}
	if raw := strings.TrimSpace(payload.Money); raw != "" {
		amount, err := parseMinor(raw)
		if err != nil {
			return nil, &UnavailableError{Path: "epay:order", StatusCode: resp.StatusCode, Body: "money is invalid"}
		}
		result.AmountMinor = &amount
	}

	if epayFlag(payload.Status) == "1" {
		result.Outcome = OutcomeSucceeded
	} else {
		result.Outcome = OutcomeFailed
		result.FailureReason = FailureCheckoutExpired
	}
	return result, nil
}

// SignEpay computes the gateway digest: non-empty parameters except sign and
// sign_type, sorted by key, joined as k=v with &, suffixed with the key,
// MD5, lowercase hex.
func SignEpay(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(key)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func flattenParams(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func encodeEpayExtra(extra epayExtra) (string, error) {
	raw, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeEpayExtra(raw string) (epayExtra, error) {
	var extra epayExtra
	raw = strings.TrimRight(strings.TrimSpace(raw), "=")
	if raw == "" {
		return extra, fmt.Errorf("param is missing")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return extra, fmt.Errorf("param is not base64url")
	}
	if err := json.Unmarshal(decoded, &extra); err != nil {
		return extra, fmt.Errorf("param is not json")
	}
	if strings.TrimSpace(extra.UserID) == "" || strings.TrimSpace(extra.Reference) == "" {
		return extra, fmt.Errorf("param is incomplete")
	}
	return extra, nil
}

// epayFlag reads a numeric field the gateway may send as a number or a string.
func epayFlag(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

// siblingURL replaces the last path element of base.
func siblingURL(base, name string) string {
	parsed, err := url.Parse(base)
	if err != nil {
		return ""
	}
	parsed.RawQuery = ""
	if i := strings.LastIndex(parsed.Path, "/"); i >= 0 {
		parsed.Path = parsed.Path[:i+1] + name
	} else {
		parsed.Path = "/" + name
	}
	return parsed.String()
}

func formatMinor(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

// parseMinor reads a decimal amount with at most two fraction digits.
func parseMinor(raw string) (int64, error) {
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if whole == "" || len(frac) > 2 || (hasFrac && frac == "") {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return units*100 + cents, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
