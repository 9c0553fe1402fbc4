package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVsRedactsCredentials(t *testing.T) {
	t.Setenv("LOG_REDACTION_ENABLED", "true")
	resetRedactionForTest()

	kv := sanitizeKVs([]interface{}{
		"api_key", "sk-123",
		"authorization", "Bearer abc",
		"prompt", "learn chess",
	})

	byKey := map[string]interface{}{}
	for i := 0; i+1 < len(kv); i += 2 {
		byKey[kv[i].(string)] = kv[i+1]
	}

	if byKey["api_key"] != "[REDACTED]" || byKey["authorization"] != "[REDACTED]" {
		t.Fatalf("credentials not redacted: %v", byKey)
	}
	if byKey["prompt"] != "learn chess" {
		t.Fatalf("plain value mangled: %v", byKey["prompt"])
	}
}

func TestSanitizeKVsHashesUserID(t *testing.T) {
	t.Setenv("LOG_REDACTION_ENABLED", "true")
	t.Setenv("LOG_HASH_SALT", "pepper")
	resetRedactionForTest()

	kv := sanitizeKVs([]interface{}{"user_id", "user-42"})
	got, ok := kv[1].(string)
	if !ok || !strings.HasPrefix(got, "hash:") || got == "hash:" {
		t.Fatalf("user_id not hashed: %v", kv[1])
	}
	if strings.Contains(got, "user-42") {
		t.Fatalf("raw user id leaked: %q", got)
	}
}

func TestSanitizeKVsDisabledByDefault(t *testing.T) {
	t.Setenv("LOG_REDACTION_ENABLED", "false")
	resetRedactionForTest()

	kv := sanitizeKVs([]interface{}{"api_key", "sk-123"})
	if kv[1] != "sk-123" {
		t.Fatalf("redaction ran while disabled: %v", kv[1])
	}
}
