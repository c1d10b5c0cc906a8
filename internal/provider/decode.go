package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// fields 宽松解析上游 JSON：各家字段名不同，按候选 key 依次取值。
type fields map[string]any

func decodeFields(body []byte) (fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	// {"code":0,"data":{...}} 信封
	if inner, ok := m["data"].(map[string]any); ok {
		for k, v := range m {
			if _, exists := inner[k]; !exists && k != "data" {
				inner[k] = v
			}
		}
		return fields(inner), nil
	}
	return fields(m), nil
}

func decodeList(body []byte) ([]fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"data", "products", "items", "urunler"} {
			if list, ok := v[key].([]any); ok {
				items = list
				break
			}
		}
		if items == nil {
			return nil, fmt.Errorf("no product list in response")
		}
	default:
		return nil, fmt.Errorf("unexpected product list type %T", raw)
	}
	out := make([]fields, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected product item type %T", it)
		}
		out = append(out, fields(m))
	}
	return out, nil
}

func (f fields) str(keys ...string) string {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if x != "" {
				return x
			}
		case json.Number:
			return x.String()
		case bool:
			return strconv.FormatBool(x)
		}
	}
	return ""
}

func (f fields) dec(keys ...string) (decimal.Decimal, bool) {
	s := f.str(keys...)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// failed 识别 200 响应体里的业务失败（success=false / error 字段）。
func (f fields) failed() (code, msg string, ok bool) {
	if v, exists := f["success"]; exists {
		if b, isBool := v.(bool); isBool && !b {
			return f.errorCode(), f.str("message", "msg", "mesaj"), true
		}
	}
	if e := f.str("error", "hata"); e != "" && e != "false" {
		return f.errorCode(), f.str("message", "msg", "mesaj", "error"), true
	}
	return "", "", false
}

func (f fields) errorCode() string {
	code := f.str("reason", "error_code", "error", "hata_kodu")
	if code == "" {
		code = "provider-error"
	}
	return code
}
