package redis

import "fmt"

// OrderLockKey 单个订单的派发/轮询互斥锁。
func OrderLockKey(orderID string) string {
	return fmt.Sprintf("fulfillment:order:lock:%s", orderID)
}

// RateLimitKey ingest 限流窗口，按 api-token 或 IP 区分。
func RateLimitKey(kind, subject string) string {
	return fmt.Sprintf("fulfillment:rate_limit:%s:%s", kind, subject)
}

// FXRateKey 运营手工覆盖的汇率（USD→报表币种）。
func FXRateKey(base, quote string) string {
	return fmt.Sprintf("fulfillment:fx:%s:%s", base, quote)
}

// PropagationSeenKey 标记某子订单的终态传播消息是否已处理。
func PropagationSeenKey(childOrderID, status string) string {
	return fmt.Sprintf("fulfillment:propagation:seen:%s:%s", childOrderID, status)
}
