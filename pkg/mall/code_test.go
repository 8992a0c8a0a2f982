package mall

import (
	"strings"
	"testing"
)

func TestGenerateCodeShape(test *testing.T) {
	test.Parallel()
	code, err := GenerateCode(1_700_001_234)
	if err != nil {
		test.Fatalf("generate failed: %v", err)
	}
	if !redemptionCodePattern.MatchString(code) {
		test.Fatalf("code %q does not match expected shape", code)
	}
	if !strings.HasSuffix(code, "1234") {
		test.Fatalf("expected epoch suffix 1234, got %q", code)
	}
}

func TestGenerateCodePadsSuffix(test *testing.T) {
	test.Parallel()
	code, err := GenerateCode(1_700_000_007)
	if err != nil {
		test.Fatalf("generate failed: %v", err)
	}
	if !strings.HasSuffix(code, "0007") {
		test.Fatalf("expected zero-padded suffix 0007, got %q", code)
	}
}

func TestGenerateCodeVaries(test *testing.T) {
	test.Parallel()
	seen := map[string]struct{}{}
	for attempt := 0; attempt < 32; attempt++ {
		code, err := GenerateCode(1_700_000_000)
		if err != nil {
			test.Fatalf("generate failed: %v", err)
		}
		if _, duplicate := seen[code]; duplicate {
			test.Fatalf("duplicate code %q within 32 draws", code)
		}
		seen[code] = struct{}{}
	}
}
