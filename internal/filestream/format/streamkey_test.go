package format

import "testing"

func TestValidateStreamKeyAccepts(t *testing.T) {
	for _, k := range []string{"x", "live.stream-1", "a_b.c-D9", string(make([]byte, 0)) + "z"} {
		if err := ValidateStreamKey(k); err != nil {
			t.Fatalf("expected %q to be valid, got %v", k, err)
		}
	}
}

func TestValidateStreamKeyRejectsEmpty(t *testing.T) {
	if err := ValidateStreamKey(""); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestValidateStreamKeyRejectsTooLong(t *testing.T) {
	long := make([]byte, MaxStreamKeyLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateStreamKey(string(long)); err == nil {
		t.Fatalf("expected over-length key to be rejected")
	}
}

func TestValidateStreamKeyRejectsBadChars(t *testing.T) {
	for _, k := range []string{"has space", "slash/key", "emoji🙂", "semi;colon"} {
		if err := ValidateStreamKey(k); err == nil {
			t.Fatalf("expected %q to be rejected", k)
		}
	}
}

func TestValidateStreamKeyAcceptsMaxLength(t *testing.T) {
	max := make([]byte, MaxStreamKeyLen)
	for i := range max {
		max[i] = 'k'
	}
	if err := ValidateStreamKey(string(max)); err != nil {
		t.Fatalf("expected max-length key to be valid: %v", err)
	}
}
