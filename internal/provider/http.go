package provider

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"fulfillment/internal/model"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

// 两种标准线格式的路径。token 风格走 JSON，表单风格以 kod/sifre 作为表单字段。
const (
	bearerOrderPath    = "/api/v1/orders"
	bearerBalancePath  = "/api/v1/balance"
	bearerProductsPath = "/api/v1/products"

	formOrderPath    = "/api/siparis"
	formStatusPath   = "/api/siparis/durum"
	formBalancePath  = "/api/bakiye"
	formProductsPath = "/api/urunler"
)

// HTTPAdapter 通用厂商 HTTP API 适配器。
type HTTPAdapter struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPAdapter breaker 可为 nil。
func NewHTTPAdapter(client *resty.Client, breaker *gobreaker.CircuitBreaker) *HTTPAdapter {
	return &HTTPAdapter{client: client, breaker: breaker}
}

// NewBreaker 连续失败 5 次后熔断 30s；业务/鉴权错误不计入失败。
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			k := KindOf(err)
			return err == nil || (k != KindTransport && k != KindTimeout)
		},
	})
}

func (a *HTTPAdapter) do(ctx context.Context, creds Credentials, method, path string, form map[string]string, body any) (fields, []byte, error) {
	call := func() (any, error) {
		req := a.client.R().SetContext(ctx)
		if creds.AuthStyle == model.AuthForm {
			all := map[string]string{"kod": creds.Kod, "sifre": creds.Sifre}
			for k, v := range form {
				all[k] = v
			}
			req.SetFormData(all)
		} else {
			req.SetAuthToken(creds.APIToken)
			if body != nil {
				req.SetHeader("Content-Type", "application/json").SetBody(body)
			}
		}
		if key := form["referans"]; key != "" {
			req.SetHeader("Idempotency-Key", key)
		}
		resp, err := req.Execute(method, creds.BaseURL+path)
		if err != nil {
			return nil, transportErr(err)
		}
		raw := resp.Body()
		f, decErr := decodeFields(raw)
		if pe := fromStatus(resp.StatusCode(), errCode(f), errMsg(f)); pe != nil {
			return nil, pe
		}
		if decErr != nil {
			return nil, invalidResponse("decode body: %v", decErr)
		}
		if code, msg, failed := f.failed(); failed {
			return nil, businessErr(code, msg)
		}
		return respBody{f: f, raw: raw}, nil
	}

	var out any
	var err error
	if a.breaker != nil {
		out, err = a.breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &Error{Kind: KindTransport, Code: "circuit-open", Err: err}
		}
	} else {
		out, err = call()
	}
	if err != nil {
		return nil, nil, err
	}
	rb := out.(respBody)
	return rb.f, rb.raw, nil
}

type respBody struct {
	f   fields
	raw []byte
}

func errCode(f fields) string {
	if f == nil {
		return ""
	}
	return f.str("reason", "error_code", "error", "hata_kodu")
}

func errMsg(f fields) string {
	if f == nil {
		return ""
	}
	return f.str("message", "msg", "mesaj")
}

// PlaceOrder 下单，referans/Idempotency-Key 使用派发幂等键。
func (a *HTTPAdapter) PlaceOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	form := map[string]string{
		"urun":     req.PackageRef,
		"adet":     strconv.Itoa(req.Quantity),
		"oyuncu":   req.UserIdentifier,
		"referans": req.IdempotencyKey,
	}
	body := map[string]any{
		"package_id":      req.PackageRef,
		"quantity":        req.Quantity,
		"user_identifier": req.UserIdentifier,
		"reference":       req.IdempotencyKey,
	}
	path := bearerOrderPath
	if creds.AuthStyle == model.AuthForm {
		path = formOrderPath
	}
	f, _, err := a.do(ctx, creds, resty.MethodPost, path, form, body)
	if err != nil {
		return PlaceResult{}, err
	}
	id := f.str("id", "order_id", "siparis_id")
	if id == "" {
		return PlaceResult{}, invalidResponse("missing order id")
	}
	raw := f.str("status", "state", "durum")
	st := Normalize(raw)
	if raw == "" {
		st = model.ExtAccepted
	}
	return PlaceResult{
		ExternalID: id,
		RawStatus:  raw,
		Status:     st,
		Payload:    f.str("delivery", "pin", "code", "teslimat"),
	}, nil
}

// QueryStatus 查询订单状态。
func (a *HTTPAdapter) QueryStatus(ctx context.Context, creds Credentials, externalID string) (StatusResult, error) {
	var (
		f   fields
		err error
	)
	if creds.AuthStyle == model.AuthForm {
		f, _, err = a.do(ctx, creds, resty.MethodPost, formStatusPath, map[string]string{"siparis_id": externalID}, nil)
	} else {
		f, _, err = a.do(ctx, creds, resty.MethodGet, bearerOrderPath+"/"+url.PathEscape(externalID), nil, nil)
	}
	if err != nil {
		return StatusResult{}, err
	}
	raw := f.str("status", "state", "durum")
	if raw == "" {
		return StatusResult{}, invalidResponse("missing status")
	}
	return StatusResult{
		RawStatus: raw,
		Status:    Normalize(raw),
		Payload:   f.str("delivery", "pin", "code", "teslimat"),
		Message:   f.str("message", "reason", "mesaj"),
	}, nil
}

// Balance 查询余额与欠款。
func (a *HTTPAdapter) Balance(ctx context.Context, creds Credentials) (BalanceResult, error) {
	var (
		f   fields
		err error
	)
	if creds.AuthStyle == model.AuthForm {
		f, _, err = a.do(ctx, creds, resty.MethodPost, formBalancePath, nil, nil)
	} else {
		f, _, err = a.do(ctx, creds, resty.MethodGet, bearerBalancePath, nil, nil)
	}
	if err != nil {
		return BalanceResult{}, err
	}
	bal, ok := f.dec("balance", "bakiye")
	if !ok {
		return BalanceResult{}, invalidResponse("missing balance")
	}
	out := BalanceResult{Balance: bal}
	if debt, ok := f.dec("debt", "borc"); ok {
		out.Debt = &debt
	}
	return out, nil
}

// ListProducts 读取上游目录。
func (a *HTTPAdapter) ListProducts(ctx context.Context, creds Credentials) ([]Product, error) {
	path := bearerProductsPath
	method := resty.MethodGet
	if creds.AuthStyle == model.AuthForm {
		path, method = formProductsPath, resty.MethodPost
	}
	// 目录响应可能是裸数组，不走 decodeFields
	raw, err := a.rawList(ctx, creds, method, path)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(raw)
	if err != nil {
		return nil, invalidResponse("decode products: %v", err)
	}
	out := make([]Product, 0, len(items))
	for _, it := range items {
		price, _ := it.dec("price", "base_price", "fiyat")
		out = append(out, Product{
			ExternalID: it.str("id", "external_id", "package_id", "urun_id"),
			Name:       it.str("name", "ad"),
			BasePrice:  price,
			Currency:   it.str("currency", "para_birimi"),
		})
	}
	return out, nil
}

func (a *HTTPAdapter) rawList(ctx context.Context, creds Credentials, method, path string) ([]byte, error) {
	req := a.client.R().SetContext(ctx)
	if creds.AuthStyle == model.AuthForm {
		req.SetFormData(map[string]string{"kod": creds.Kod, "sifre": creds.Sifre})
	} else {
		req.SetAuthToken(creds.APIToken)
	}
	resp, err := req.Execute(method, creds.BaseURL+path)
	if err != nil {
		return nil, transportErr(err)
	}
	if pe := fromStatus(resp.StatusCode(), "", ""); pe != nil {
		return nil, pe
	}
	return resp.Body(), nil
}
