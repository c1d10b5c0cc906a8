package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"fulfillment/internal/app"
	"fulfillment/internal/config"
	"fulfillment/internal/engine"
	"fulfillment/internal/logging"
	"fulfillment/internal/model"

	"github.com/shopspring/decimal"
)

// testOpener 每次命令都打开同一个 sqlite 文件，和真实进程一样。
func testOpener(t *testing.T) opener {
	dsn := filepath.Join(t.TempDir(), "ctl.db")
	return func(ctx context.Context) (*app.App, error) {
		return app.New(ctx, config.AppConfig{
			DBDriver:          "sqlite",
			DBDSN:             dsn,
			ReportCurrency:    "TRY",
			FXUSDRate:         decimal.NewFromInt(32),
			Workers:           1,
			QueueSize:         8,
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
		}, logging.Discard())
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seed 建租户、包与 codes 路由，返回库存组 id。
func seed(t *testing.T, open opener) (tenantID, groupID uint) {
	t.Helper()
	a, err := open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	db := a.Store.DB()
	tn := &model.Tenant{Name: "alpha", Host: "alpha.example.test"}
	g := &model.CodeGroup{Name: "pins"}
	if err := db.Create(tn).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	g.TenantID = tn.ID
	if err := db.Create(g).Error; err != nil {
		t.Fatalf("create group: %v", err)
	}
	gid := g.ID
	rows := []any{
		&model.TenantPackage{TenantID: tn.ID, PackageID: 1, ProductID: 10, Name: "pin",
			Price: decimal.NewFromInt(5), Currency: "USD", Enabled: true},
		&model.RoutingEntry{TenantID: tn.ID, PackageID: 1, Mode: string(model.ModeAuto),
			ProviderType: model.ProviderTypeCodes, CodeGroupID: &gid},
	}
	for _, v := range rows {
		if err := db.Create(v).Error; err != nil {
			t.Fatalf("create %T: %v", v, err)
		}
	}
	return tn.ID, g.ID
}

func TestImportCodesThenDispatch(t *testing.T) {
	open := testOpener(t)
	tenantID, groupID := seed(t, open)

	out, err := run(t, open, "import-codes", "--group", itoa(groupID), "PIN-1", "PIN-2")
	if err != nil || !strings.Contains(out, "2 unclaimed codes") {
		t.Fatalf("import: %q %v", out, err)
	}

	a, err := open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tn, _ := a.Store.Tenant(context.Background(), tenantID)
	o, _, err := a.Engine.Submit(context.Background(), engine.SubmitRequest{Tenant: tn, UserID: 1, PackageID: 1, Quantity: 1})
	a.Close()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err = run(t, open, "dispatch", "--order", o.ID)
	if err != nil || !strings.Contains(out, "status=approved") {
		t.Fatalf("dispatch: %q %v", out, err)
	}
	out, err = run(t, open, "freeze-approved")
	if err != nil || !strings.Contains(out, "froze 0 approved orders") {
		t.Fatalf("freeze: %q %v", out, err)
	}
	if _, err := run(t, open, "cancel", "--order", o.ID); err == nil {
		t.Fatal("cancelling an approved order should fail")
	}
}

func TestRefreshBalanceCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"balance": "88.25", "debt": "0"})
	}))
	defer srv.Close()

	open := testOpener(t)
	tenantID, _ := seed(t, open)
	a, err := open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b := &model.ProviderBinding{TenantID: tenantID, Name: "up", Kind: model.BindingExternalHTTP,
		BaseURL: srv.URL, AuthStyle: model.AuthBearer, APIToken: "tok", Enabled: true}
	if err := a.Store.DB().Create(b).Error; err != nil {
		t.Fatalf("create binding: %v", err)
	}
	a.Close()

	out, err := run(t, open, "refresh-balance", "--integration", itoa(b.ID))
	if err != nil || !strings.Contains(out, "balance=88.25") {
		t.Fatalf("refresh: %q %v", out, err)
	}
	if _, err := run(t, open, "refresh-balance", "--integration", "999"); err == nil {
		t.Fatal("unknown integration should fail")
	}
}

func TestCommandValidation(t *testing.T) {
	open := testOpener(t)
	if _, err := run(t, open, "dispatch"); err == nil {
		t.Fatal("dispatch without --order should fail")
	}
	if _, err := run(t, open, "freeze-approved", "--status", "pending"); err == nil {
		t.Fatal("non-terminal status should fail")
	}
	if _, err := run(t, open, "run-task", "nope"); err == nil {
		t.Fatal("unknown task should fail")
	}
	if out, err := run(t, open, "run-task", "outbox-relay"); err != nil || !strings.Contains(out, "done") {
		t.Fatalf("run-task: %q %v", out, err)
	}
}

func itoa(v uint) string { return strconv.FormatUint(uint64(v), 10) }
