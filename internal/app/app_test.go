package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/logging"
	"fulfillment/internal/middleware"
	"fulfillment/internal/model"
	"fulfillment/internal/runner"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func init() { gin.SetMode(gin.TestMode) }

func testConfig(t *testing.T) config.AppConfig {
	return config.AppConfig{
		HTTPAddr:          "127.0.0.1:0",
		DBDriver:          "sqlite",
		DBDSN:             filepath.Join(t.TempDir(), "app.db"),
		ReportCurrency:    "TRY",
		FXUSDRate:         decimal.NewFromInt(32),
		Workers:           2,
		QueueSize:         16,
		PollInterval:      10 * time.Second,
		PollBatch:         10,
		StaleAfter:        20,
		StalePollInterval: 5 * time.Minute,
		AdapterTimeout:    2 * time.Second,
		LockTTL:           30 * time.Second,
		RouteCacheTTL:     time.Second,
		LoopMaxDepth:      5,
		SweepAge:          time.Minute,
		OutboxBatch:       10,
		IngestRateLimit:   100,
		IngestRateWindow:  time.Second,
		AdminToken:        "admin",
	}
}

func newApp(t *testing.T, cfg config.AppConfig) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestLocalWiringServesAndRunsTasks(t *testing.T) {
	a := newApp(t, testConfig(t))
	if a.Redis != nil || a.consumer != nil {
		t.Fatal("redis/kafka should be off")
	}
	h := a.Handler()
	for _, path := range []string{"/ping", "/metrics"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, w.Code)
		}
	}
	for _, task := range []string{runner.TaskStatusPoll, runner.TaskPendingSweep, runner.TaskOutboxRelay, runner.TaskFinalizeSweep} {
		if err := a.Runner.RunTask(context.Background(), task); err != nil {
			t.Fatalf("task %s: %v", task, err)
		}
	}
}

func TestRedisWiring(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	a := newApp(t, cfg)
	if a.Redis == nil {
		t.Fatal("redis client not wired")
	}

	cfg = testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"
	if _, err := New(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("unreachable redis should fail startup")
	}
}

func TestSubmittedOrderIsDispatchedByWorkers(t *testing.T) {
	a := newApp(t, testConfig(t))
	db := a.Store.DB()
	tn := &model.Tenant{Name: "alpha", Host: "alpha.example.test"}
	must(t, db.Create(tn).Error)
	must(t, db.Create(&model.APIToken{Token: "tok", TenantID: tn.ID, UserID: 9}).Error)
	must(t, db.Create(&model.TenantPackage{TenantID: tn.ID, PackageID: 1, ProductID: 10, Name: "pin",
		Price: decimal.NewFromInt(5), Currency: "USD", Enabled: true}).Error)
	g := &model.CodeGroup{TenantID: tn.ID, Name: "pins"}
	must(t, db.Create(g).Error)
	must(t, a.Store.ImportCodes(context.Background(), g.ID, "PIN-A"))
	gid := g.ID
	must(t, db.Create(&model.RoutingEntry{TenantID: tn.ID, PackageID: 1, Mode: string(model.ModeAuto),
		ProviderType: model.ProviderTypeCodes, CodeGroupID: &gid, Cost: decimal.NewFromInt(2), CostCurrency: "USD"}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Runner.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	body, _ := json.Marshal(map[string]any{"packageId": 1, "userIdentifier": "player"})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderTenantHost, tn.Host)
	req.Header.Set(middleware.HeaderAPIToken, "tok")
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	must(t, json.Unmarshal(w.Body.Bytes(), &resp))

	deadline := time.Now().Add(3 * time.Second)
	var o *model.Order
	for time.Now().Before(deadline) {
		var err error
		if o, err = a.Store.GetOrder(context.Background(), resp.Data.ID); err == nil && o.FXLocked {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if o == nil || o.Status != model.StatusApproved || o.DeliveredPayload != "PIN-A" || !o.FXLocked {
		t.Fatalf("order = %+v", o)
	}
	// 160 - 64 TRY
	if !o.ProfitAtFinalize.Decimal.Equal(decimal.NewFromInt(96)) {
		t.Fatalf("profit = %s", o.ProfitAtFinalize.Decimal)
	}
	if n, err := a.Relay.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("relay n=%d err=%v", n, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
