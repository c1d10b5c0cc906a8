package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status  int
	OrderID string
	Body    string
	Err     error
}

type target struct {
	client *http.Client
	base   string
	host   string
	token  string
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	host := flag.String("host", "alpha.example.test", "X-Tenant-Host")
	token := flag.String("token", "", "api-token of the tenant")
	packageID := flag.Int("package", 1, "package id")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for orders to finish")

	// 并发下单：同一个库存组不应把同一个卡密交付两次
	nOrders := flag.Int("n", 200, "orders to submit")
	concurrency := flag.Int("c", 50, "max concurrency")
	burst := flag.Int("burst", 50, "requests in the rate limit burst")
	flag.Parse()

	t := target{client: &http.Client{Timeout: 5 * time.Second}, base: *baseURL, host: *host, token: *token}

	// 1) 并发 ingest，统计受理情况
	fmt.Printf("start ingest test: package=%d orders=%d concurrency=%d\n", *packageID, *nOrders, *concurrency)
	results := runSubmit(t, *packageID, *nOrders, *concurrency)
	printSummary("ingest", results)

	// 2) 等待派发完成，检查没有重复交付
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.OrderID != "" {
			ids = append(ids, r.OrderID)
		}
	}
	checkDelivery(t, ids, *wait)

	// 3) 限流测试：同一个 token 突发请求（默认 100/s，需要调小 INGEST_RATE_LIMIT 才容易触发 429）
	fmt.Printf("\nstart rate limit test: %d requests, concurrency %d\n", *burst, *burst)
	printSummary("rate_limit", runSubmit(t, *packageID, *burst, *burst))
}

func runSubmit(t target, packageID, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = submitOnce(t, map[string]any{
				"packageId":      packageID,
				"quantity":       1,
				"userIdentifier": fmt.Sprintf("loadtest-%d", idx+1),
			})
		}(i)
	}

	wg.Wait()
	return results
}

func (t target) do(method, path string, body any) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, t.base+path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-Host", t.host)
	req.Header.Set("api-token", t.token)
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func submitOnce(t target, req any) Result {
	status, body, err := t.do(http.MethodPost, "/orders", req)
	if err != nil {
		return Result{Err: err}
	}
	res := Result{Status: status, Body: string(body)}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if status == http.StatusAccepted && json.Unmarshal(body, &out) == nil {
		res.OrderID = out.Data.ID
	}
	return res
}

type orderState struct {
	Status           string `json:"status"`
	Reason           string `json:"reason"`
	DeliveredPayload string `json:"delivered_payload"`
}

func getOrder(t target, id string) (orderState, error) {
	status, body, err := t.do(http.MethodGet, "/orders/"+id, nil)
	if err != nil {
		return orderState{}, err
	}
	if status >= 300 {
		return orderState{}, fmt.Errorf("status=%d body=%s", status, string(body))
	}
	var out struct {
		Data orderState `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return orderState{}, err
	}
	return out.Data, nil
}

// checkDelivery 轮询订单直到终态或超时，统计结果并检查重复交付。
func checkDelivery(t target, ids []string, wait time.Duration) {
	deadline := time.Now().Add(wait)
	final := make(map[string]orderState, len(ids))
	for len(final) < len(ids) && time.Now().Before(deadline) {
		for _, id := range ids {
			if _, done := final[id]; done {
				continue
			}
			st, err := getOrder(t, id)
			if err != nil {
				continue
			}
			if st.Status == "approved" || st.Status == "rejected" {
				final[id] = st
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	outcome := map[string]int{}
	seen := map[string]string{}
	dup := 0
	for id, st := range final {
		key := st.Status
		if st.Reason != "" {
			key += "(" + st.Reason + ")"
		}
		outcome[key]++
		if st.DeliveredPayload == "" {
			continue
		}
		if other, ok := seen[st.DeliveredPayload]; ok {
			dup++
			fmt.Printf("  duplicate delivery %q: %s and %s\n", st.DeliveredPayload, other, id)
		}
		seen[st.DeliveredPayload] = id
	}
	fmt.Printf("[delivery] finished %d/%d orders\n", len(final), len(ids))
	for k, n := range outcome {
		fmt.Printf("  %s -> %d\n", k, n)
	}
	fmt.Printf("  duplicate deliveries -> %d\n", dup)
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{202, 400, 401, 404, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
