package envopts

import (
	"testing"
	"time"
)

func TestGetEnvDurationFallsBackOnBadValue(t *testing.T) {
	t.Setenv("CONTAINERKIT_TEST_DURATION", "not-a-duration")
	got := getEnvDuration("CONTAINERKIT_TEST_DURATION", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("getEnvDuration: got %v, want fallback 2s", got)
	}
}

func TestGetEnvDurationParsesValue(t *testing.T) {
	t.Setenv("CONTAINERKIT_TEST_DURATION", "750ms")
	got := getEnvDuration("CONTAINERKIT_TEST_DURATION", 2*time.Second)
	if got != 750*time.Millisecond {
		t.Fatalf("getEnvDuration: got %v, want 750ms", got)
	}
}

func TestGetEnvUint32HexAndDecimal(t *testing.T) {
	t.Setenv("CONTAINERKIT_TEST_U32", "0x1000")
	if got := getEnvUint32("CONTAINERKIT_TEST_U32", 1); got != 0x1000 {
		t.Fatalf("getEnvUint32(hex): got %#x, want 0x1000", got)
	}
	t.Setenv("CONTAINERKIT_TEST_U32", "42")
	if got := getEnvUint32("CONTAINERKIT_TEST_U32", 1); got != 42 {
		t.Fatalf("getEnvUint32(decimal): got %d, want 42", got)
	}
}

func TestGetEnvIntFallback(t *testing.T) {
	if got := getEnvInt("CONTAINERKIT_UNSET_INT", 1880); got != 1880 {
		t.Fatalf("getEnvInt: got %d, want default 1880", got)
	}
}
