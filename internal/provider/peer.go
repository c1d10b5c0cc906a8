package provider

import (
	"context"
	"net/url"
	"strings"

	"fulfillment/internal/model"

	"github.com/go-resty/resty/v2"
)

// 本平台 ingest API 的请求头。
const (
	HeaderTenantHost  = "X-Tenant-Host"
	HeaderAPIToken    = "api-token"
	HeaderParentOrder = "X-Parent-Order"
	HeaderChainPath   = "X-Chain-Path"
	HeaderIdempotency = "Idempotency-Key"
)

// JoinChain / SplitChain 是 X-Chain-Path 的线格式：逗号分隔的租户名。
func JoinChain(path []string) string { return strings.Join(path, ",") }

func SplitChain(h string) []string {
	var out []string
	for _, p := range strings.Split(h, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PeerAdapter 调用本平台另一个租户的 ingest API 创建子订单。
type PeerAdapter struct {
	client *resty.Client
}

func NewPeerAdapter(client *resty.Client) *PeerAdapter {
	return &PeerAdapter{client: client}
}

func (a *PeerAdapter) request(ctx context.Context, creds Credentials) *resty.Request {
	return a.client.R().
		SetContext(ctx).
		SetHeader(HeaderTenantHost, creds.TenantHost).
		SetHeader(HeaderAPIToken, creds.APIToken).
		SetAuthToken(creds.APIToken)
}

func (a *PeerAdapter) send(req *resty.Request, method, u string) (fields, []byte, error) {
	resp, err := req.Execute(method, u)
	if err != nil {
		return nil, nil, transportErr(err)
	}
	raw := resp.Body()
	f, decErr := decodeFields(raw)
	if pe := fromStatus(resp.StatusCode(), errCode(f), errMsg(f)); pe != nil {
		return nil, nil, pe
	}
	if decErr != nil {
		return nil, raw, invalidResponse("decode body: %v", decErr)
	}
	// 信封 code 非 0 即业务失败
	if c := f.str("code"); c != "" && c != "0" && f.str("id") == "" {
		return nil, nil, businessErr(errCode(f), errMsg(f))
	}
	return f, raw, nil
}

// PlaceOrder 在下游租户创建子订单，返回子订单 id 与下游售价。
func (a *PeerAdapter) PlaceOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	r := a.request(ctx, creds).
		SetHeader(HeaderParentOrder, req.ParentOrderID).
		SetHeader(HeaderChainPath, JoinChain(req.ChainPath)).
		SetHeader(HeaderIdempotency, req.IdempotencyKey).
		SetBody(map[string]any{
			"packageId":      req.PackageRef,
			"quantity":       req.Quantity,
			"userIdentifier": req.UserIdentifier,
		})
	f, _, err := a.send(r, resty.MethodPost, creds.BaseURL+"/orders")
	if err != nil {
		return PlaceResult{}, err
	}
	id := f.str("id")
	if id == "" {
		return PlaceResult{}, invalidResponse("missing child order id")
	}
	sell, _ := f.dec("sell", "sell_amount")
	raw := f.str("status")
	return PlaceResult{
		ExternalID:   model.StubPrefix + id,
		RawStatus:    raw,
		Status:       model.ExtAccepted,
		Sell:         sell,
		SellCurrency: f.str("currency", "sell_currency"),
	}, nil
}

// QueryStatus 通过 HTTP 读取子订单。轮询器对 stub- 走本地读取，这里供跨部署的对等方使用。
func (a *PeerAdapter) QueryStatus(ctx context.Context, creds Credentials, externalID string) (StatusResult, error) {
	id := strings.TrimPrefix(externalID, model.StubPrefix)
	f, _, err := a.send(a.request(ctx, creds), resty.MethodGet, creds.BaseURL+"/orders/"+url.PathEscape(id))
	if err != nil {
		return StatusResult{}, err
	}
	raw := f.str("status")
	var st model.ExternalStatus
	switch model.OrderStatus(raw) {
	case model.StatusApproved:
		st = model.ExtDelivered
	case model.StatusRejected:
		st = model.ExtFailed
	case model.StatusSent:
		st = model.ExtInProgress
	case model.StatusPending:
		st = model.ExtAccepted
	default:
		return StatusResult{}, invalidResponse("unknown child status %q", raw)
	}
	return StatusResult{
		RawStatus: raw,
		Status:    st,
		Payload:   f.str("delivered_payload"),
		Message:   f.str("reason"),
	}, nil
}

func (a *PeerAdapter) Balance(context.Context, Credentials) (BalanceResult, error) {
	return BalanceResult{}, ErrUnsupported
}

// ListProducts 读取下游租户发布的包目录（GET /packages）。
func (a *PeerAdapter) ListProducts(ctx context.Context, creds Credentials) ([]Product, error) {
	resp, err := a.request(ctx, creds).Get(creds.BaseURL + "/packages")
	if err != nil {
		return nil, transportErr(err)
	}
	if pe := fromStatus(resp.StatusCode(), "", ""); pe != nil {
		return nil, pe
	}
	items, err := decodeList(resp.Body())
	if err != nil {
		return nil, invalidResponse("decode packages: %v", err)
	}
	out := make([]Product, 0, len(items))
	for _, it := range items {
		price, _ := it.dec("price")
		out = append(out, Product{
			ExternalID: it.str("package_id", "id"),
			Name:       it.str("name"),
			BasePrice:  price,
			Currency:   it.str("currency"),
		})
	}
	return out, nil
}
