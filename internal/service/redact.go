package service

import "strings"

// redactPatterns 是需要脱敏的字段名子串。
var redactPatterns = []string{
	"token",
	"apikey",
	"api_key",
	"secret",
	"password",
	"authorization",
	"cookie",
	"credential",
}

const redactedValue = "[REDACTED]"

// Redact 返回 details 的副本，敏感字段的值被替换为 [REDACTED]，嵌套对象递归处理。
func Redact(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if shouldRedact(k) {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func shouldRedact(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range redactPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
