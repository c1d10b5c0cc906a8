package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/engine"
	"fulfillment/internal/fx"
	"fulfillment/internal/logging"
	"fulfillment/internal/middleware"
	"fulfillment/internal/model"
	"fulfillment/internal/provider"
	"fulfillment/internal/queue"
	"fulfillment/internal/routing"
	"fulfillment/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func init() { gin.SetMode(gin.TestMode) }

const adminToken = "admin-secret"

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	eng   *engine.Engine
	srv   *httptest.Server

	mu       sync.Mutex
	enqueued []string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rates := fx.NewStatic()
	rates.Set("USD", "TRY", decimal.NewFromInt(32))
	eng := engine.New(engine.Deps{
		Store:    s,
		Routes:   routing.NewTable(s, 0, logging.Discard()),
		Adapters: provider.NewRegistry(s, provider.NewCodesAdapter(s, time.Now), 5*time.Second, 0),
		FX:       rates,
		Logger:   logging.Discard(),
		Options:  engine.Options{ReportCurrency: "TRY"},
	})

	env := &testEnv{t: t, ctx: context.Background(), store: s, eng: eng}
	r := gin.New()
	Setup(r, Deps{
		Engine:     eng,
		Store:      s,
		AdminToken: adminToken,
		Enqueue: func(id string) bool {
			env.mu.Lock()
			env.enqueued = append(env.enqueued, id)
			env.mu.Unlock()
			return true
		},
	})
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) queued() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.enqueued...)
}

func (e *testEnv) create(v any) {
	e.t.Helper()
	if err := e.store.DB().Create(v).Error; err != nil {
		e.t.Fatalf("create %T: %v", v, err)
	}
}

// tenant 建租户及其 api-token（"tok-<name>"）。
func (e *testEnv) tenant(name string) *model.Tenant {
	tn := &model.Tenant{Name: name, Host: name + ".example.test"}
	e.create(tn)
	e.create(&model.APIToken{Token: "tok-" + name, TenantID: tn.ID, UserID: 100 + tn.ID})
	return tn
}

func (e *testEnv) pkg(tenantID, packageID uint, price, currency string) {
	e.create(&model.TenantPackage{TenantID: tenantID, PackageID: packageID, ProductID: packageID * 10,
		Name: "pkg", Price: decimal.RequireFromString(price), Currency: currency, Enabled: true})
}

// codes 给租户的包挂一个本地库存路由。
func (e *testEnv) codes(tenantID, packageID uint, pins ...string) {
	e.t.Helper()
	g := &model.CodeGroup{TenantID: tenantID, Name: "pins"}
	e.create(g)
	if len(pins) > 0 {
		if err := e.store.ImportCodes(e.ctx, g.ID, pins...); err != nil {
			e.t.Fatalf("import codes: %v", err)
		}
	}
	gid := g.ID
	e.create(&model.RoutingEntry{TenantID: tenantID, PackageID: packageID, Mode: string(model.ModeAuto),
		ProviderType: model.ProviderTypeCodes, CodeGroupID: &gid})
}

// peer 把 from 租户的包转发到 to 租户的同号包。
func (e *testEnv) peer(from, to *model.Tenant, packageID uint) {
	b := &model.ProviderBinding{TenantID: from.ID, Name: "peer-" + to.Name, Kind: model.BindingInternalPeer,
		BaseURL: e.srv.URL, TenantHost: to.Host, APIToken: "tok-" + to.Name, Enabled: true}
	e.create(b)
	bid, tid := b.ID, to.ID
	e.create(&model.RoutingEntry{TenantID: from.ID, PackageID: packageID, Mode: string(model.ModeAuto),
		ProviderType: model.ProviderTypePeer, ProviderBindingID: &bid, DownstreamTenantID: &tid,
		DownstreamPackage: "1", CostCurrency: "USD"})
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func (e *testEnv) do(method, path string, headers map[string]string, body any) (int, envelope) {
	e.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		e.t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func as(tn *model.Tenant) map[string]string {
	return map[string]string{middleware.HeaderTenantHost: tn.Host, middleware.HeaderAPIToken: "tok-" + tn.Name}
}

func admin() map[string]string {
	return map[string]string{middleware.HeaderAdminToken: adminToken}
}

type orderView struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Reason           string   `json:"reason"`
	Sell             string   `json:"sell"`
	Currency         string   `json:"currency"`
	DeliveredPayload string   `json:"delivered_payload"`
	ChainPath        []string `json:"chain_path"`
}

func decodeView(t *testing.T, raw json.RawMessage) orderView {
	t.Helper()
	var v orderView
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode order view: %v (%s)", err, raw)
	}
	return v
}

func TestSubmitOrderAcceptsAndEnqueues(t *testing.T) {
	env := newEnv(t)
	alpha := env.tenant("alpha")
	beta := env.tenant("beta")
	env.pkg(alpha.ID, 1, "10", "USD")

	code, resp := env.do(http.MethodPost, "/orders", as(alpha), map[string]any{"packageId": 1, "quantity": 2, "userIdentifier": "player-1"})
	if code != http.StatusAccepted || resp.Code != 0 {
		t.Fatalf("submit = %d %+v", code, resp)
	}
	v := decodeView(t, resp.Data)
	if v.ID == "" || v.Status != string(model.StatusPending) || v.Sell != "20" || v.Currency != "USD" {
		t.Fatalf("view = %+v", v)
	}
	if q := env.queued(); len(q) != 1 || q[0] != v.ID {
		t.Fatalf("enqueued = %v", q)
	}

	// 字符串形式的 packageId 也接受，quantity 缺省为 1
	code, resp = env.do(http.MethodPost, "/orders", as(alpha), map[string]any{"packageId": "1"})
	if code != http.StatusAccepted || decodeView(t, resp.Data).Sell != "10" {
		t.Fatalf("string package id = %d %+v", code, resp)
	}

	code, resp = env.do(http.MethodGet, "/orders/"+v.ID, as(alpha), nil)
	if code != http.StatusOK || decodeView(t, resp.Data).ChainPath[0] != "alpha" {
		t.Fatalf("get own order = %d %s", code, resp.Data)
	}
	if code, _ = env.do(http.MethodGet, "/orders/"+v.ID, as(beta), nil); code != http.StatusNotFound {
		t.Fatalf("foreign tenant read = %d, want 404", code)
	}
}

func TestSubmitOrderErrors(t *testing.T) {
	env := newEnv(t)
	alpha := env.tenant("alpha")
	env.pkg(alpha.ID, 1, "10", "USD")

	cases := []struct {
		name    string
		headers map[string]string
		body    map[string]any
		want    int
		reason  string
	}{
		{"unknown package", as(alpha), map[string]any{"packageId": 9}, http.StatusNotFound, "package-unavailable"},
		{"negative quantity", as(alpha), map[string]any{"packageId": 1, "quantity": -1}, http.StatusBadRequest, "invalid-quantity"},
		{"bad package id", as(alpha), map[string]any{"packageId": "abc"}, http.StatusBadRequest, "bad-request"},
		{"missing package id", as(alpha), map[string]any{"quantity": 1}, http.StatusBadRequest, "bad-request"},
		{"no token", map[string]string{middleware.HeaderTenantHost: alpha.Host}, map[string]any{"packageId": 1}, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := env.do(http.MethodPost, "/orders", tc.headers, tc.body)
			if code != tc.want || resp.Reason != tc.reason {
				t.Fatalf("status=%d reason=%q, want %d %q (%s)", code, resp.Reason, tc.want, tc.reason, resp.Msg)
			}
		})
	}
	if q := env.queued(); len(q) != 0 {
		t.Fatalf("failed submits enqueued %v", q)
	}
}

func TestListPackages(t *testing.T) {
	env := newEnv(t)
	alpha := env.tenant("alpha")
	env.pkg(alpha.ID, 2, "4.5", "USD")
	env.pkg(alpha.ID, 1, "10", "TRY")

	code, resp := env.do(http.MethodGet, "/packages", as(alpha), nil)
	if code != http.StatusOK {
		t.Fatalf("packages = %d", code)
	}
	var list []struct {
		PackageID string `json:"package_id"`
		Price     string `json:"price"`
		Currency  string `json:"currency"`
	}
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].PackageID != "1" || list[1].Price != "4.5" || list[1].Currency != "USD" {
		t.Fatalf("packages = %+v", list)
	}
}

func TestAdminCancelRetryLogs(t *testing.T) {
	env := newEnv(t)
	alpha := env.tenant("alpha")
	env.pkg(alpha.ID, 1, "10", "USD")
	_, resp := env.do(http.MethodPost, "/orders", as(alpha), map[string]any{"packageId": 1})
	id := decodeView(t, resp.Data).ID

	if code, _ := env.do(http.MethodPost, "/admin/orders/"+id+"/cancel", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("cancel without admin token = %d", code)
	}
	code, resp := env.do(http.MethodPost, "/admin/orders/"+id+"/cancel", admin(), nil)
	if v := decodeView(t, resp.Data); code != http.StatusOK || v.Status != string(model.StatusRejected) || v.Reason != "cancelled" {
		t.Fatalf("cancel = %d %+v", code, v)
	}
	if code, _ := env.do(http.MethodPost, "/admin/orders/"+id+"/cancel", admin(), nil); code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", code)
	}
	if code, _ := env.do(http.MethodPost, "/admin/orders/"+id+"/retry", admin(), nil); code != http.StatusConflict {
		t.Fatalf("retry terminal = %d, want 409", code)
	}
	if code, _ := env.do(http.MethodPost, "/admin/orders/nope/retry", admin(), nil); code != http.StatusNotFound {
		t.Fatalf("retry unknown = %d, want 404", code)
	}

	code, resp = env.do(http.MethodGet, "/admin/orders/"+id+"/logs", admin(), nil)
	if code != http.StatusOK {
		t.Fatalf("logs = %d", code)
	}
	var logs []model.DispatchLog
	if err := json.Unmarshal(resp.Data, &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	actions := map[string]bool{}
	for _, l := range logs {
		actions[l.Action] = true
	}
	if !actions[model.ActionIngest] || !actions[model.ActionCancel] || !actions[model.ActionFinalize] {
		t.Fatalf("log actions = %v", actions)
	}
}

func (e *testEnv) relay() *queue.Relay {
	sink := queue.NewLocalSink(logging.Discard(), func(ctx context.Context, ev queue.PropagationEvent) error {
		return e.eng.PropagateChild(ctx, ev.ParentOrderID, ev.ChildOrderID)
	})
	return queue.NewRelay(e.store, sink, 10, logging.Discard(), nil)
}

// forwardOne 在 alpha 下单并派发，返回父订单与 beta 上的子订单。
func (e *testEnv) forwardOne(alpha, beta *model.Tenant) (*model.Order, *model.Order) {
	e.t.Helper()
	_, resp := e.do(http.MethodPost, "/orders", as(alpha), map[string]any{"packageId": 1, "userIdentifier": "player-7"})
	parentID := decodeView(e.t, resp.Data).ID
	if err := e.eng.Dispatch(e.ctx, parentID); err != nil {
		e.t.Fatalf("dispatch parent: %v", err)
	}
	parent, err := e.store.GetOrder(e.ctx, parentID)
	if err != nil {
		e.t.Fatalf("get parent: %v", err)
	}
	if parent.Status != model.StatusSent || parent.Mode != model.ModeChainForward {
		e.t.Fatalf("parent status=%s mode=%s notes=%v", parent.Status, parent.Mode, parent.Notes)
	}
	child, err := e.store.ChildByParent(e.ctx, beta.ID, parentID)
	if err != nil {
		e.t.Fatalf("child order: %v", err)
	}
	if parent.ExternalID() != model.StubPrefix+child.ID {
		e.t.Fatalf("parent external id = %q, child %s", parent.ExternalID(), child.ID)
	}
	return parent, child
}

func TestPeerForwardApprovesParentViaPropagation(t *testing.T) {
	env := newEnv(t)
	alpha := env.tenant("alpha")
	beta := env.tenant("beta")
	env.pkg(alpha.ID, 1, "10", "USD")
	env.pkg(beta.ID, 1, "7", "USD")
	env.peer(alpha, beta, 1)
	env.codes(beta.ID, 1, "PIN-B1")

	parent, child := env.forwardOne(alpha, beta)
	if strings.Join(child.ChainPath, ",") != "alpha,beta" {
		t.Fatalf("child chain = %v", child.ChainPath)
	}
	if !parent.CostAmount.Equal(decimal.NewFromInt(7)) || parent.CostCurrency != "USD" {
		t.Fatalf("parent cost = %s %s", parent.CostAmount, parent.CostCurrency)
	}

	// 重复转发返回同一个子订单
	code, resp := env.do(http.MethodPost, "/orders",
		map[string]string{middleware.HeaderTenantHost: beta.Host, middleware.HeaderAPIToken: "tok-beta",
			provider.HeaderParentOrder: parent.ID, provider.HeaderChainPath: "alpha"},
		map[string]any{"packageId": "1"})
	if code != http.StatusAccepted || decodeView(t, resp.Data).ID != child.ID {
		t.Fatalf("duplicate forward = %d %s", code, resp.Data)
	}

	enqueued := env.queued()
	if len(enqueued) != 2 || enqueued[1] != child.ID {
		t.Fatalf("enqueued = %v", enqueued)
	}
	if err := env.eng.Dispatch(env.ctx, child.ID); err != nil {
		t.Fatalf("dispatch child: %v", err)
	}
	// 子订单的钱包事件与传播记录
	if n, err := env.relay().RunOnce(env.ctx); err != nil || n != 2 {
		t.Fatalf("relay: n=%d err=%v", n, err)
	}

	got, _ := env.store.GetOrder(env.ctx, parent.ID)
	if got.Status != model.StatusApproved || got.DeliveredPayload != "PIN-B1" || !got.FXLocked {
		t.Fatalf("parent status=%s payload=%q locked=%v", got.Status, got.DeliveredPayload, got.FXLocked)
	}
	if strings.Join(got.ChainPath, ",") != "alpha,beta" {
		t.Fatalf("parent chain = %v", got.ChainPath)
	}
	if !got.ProfitAtFinalize.Decimal.Equal(decimal.NewFromInt(96)) {
		t.Fatalf("profit = %s", got.ProfitAtFinalize.Decimal)
	}

	code, resp = env.do(http.MethodGet, "/orders/"+child.ID, as(beta), nil)
	if v := decodeView(t, resp.Data); code != http.StatusOK || v.Status != string(model.StatusApproved) || v.DeliveredPayload != "PIN-B1" {
		t.Fatalf("child view = %d %+v", code, v)
	}
}

func TestPeerRejectionReachesParent(t *testing.T) {
	env := newEnv(t)
	alpha := env.tenant("alpha")
	beta := env.tenant("beta")
	env.pkg(alpha.ID, 1, "10", "USD")
	env.pkg(beta.ID, 1, "7", "USD")
	env.peer(alpha, beta, 1)
	env.codes(beta.ID, 1)

	parent, child := env.forwardOne(alpha, beta)
	if err := env.eng.Dispatch(env.ctx, child.ID); err != nil {
		t.Fatalf("dispatch child: %v", err)
	}
	if c, _ := env.store.GetOrder(env.ctx, child.ID); c.Status != model.StatusRejected || c.Reason != "out-of-stock" {
		t.Fatalf("child status=%s reason=%q", c.Status, c.Reason)
	}

	// 不经过 relay，周期轮询同样能拿到子订单结果
	if err := env.eng.PollOrder(env.ctx, parent.ID); err != nil {
		t.Fatalf("poll parent: %v", err)
	}
	got, _ := env.store.GetOrder(env.ctx, parent.ID)
	if got.Status != model.StatusRejected || got.Reason != "out-of-stock" {
		t.Fatalf("parent status=%s reason=%q", got.Status, got.Reason)
	}
	if !got.SellAtFinalize.Decimal.IsZero() || !got.CostAtFinalize.Decimal.IsZero() {
		t.Fatalf("rejected parent froze sell=%s cost=%s", got.SellAtFinalize.Decimal, got.CostAtFinalize.Decimal)
	}
}

func TestPingAndParsePackageID(t *testing.T) {
	env := newEnv(t)
	resp, err := http.Get(env.srv.URL + "/ping")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("ping: %v", err)
	}
	resp.Body.Close()

	for raw, want := range map[string]uint{`7`: 7, `"12"`: 12, ` "3" `: 3} {
		if got, err := parsePackageID(json.RawMessage(raw)); err != nil || got != want {
			t.Errorf("parsePackageID(%s) = %d, %v", raw, got, err)
		}
	}
	for _, raw := range []string{``, `0`, `"x"`, `-1`} {
		if _, err := parsePackageID(json.RawMessage(raw)); err == nil {
			t.Errorf("parsePackageID(%q) should fail", raw)
		}
	}
}
