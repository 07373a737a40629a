package bridge

import "testing"

func TestVersionSupported(t *testing.T) {
	tests := []struct {
		version   string
		supported bool
	}{
		{"0.2.0", true},
		{"0.2.1", true},
		{"0.3.0", true},
		{"1.0.0", true},
		{"v0.2.0", true},
		{"0.2.0-beta.1", true},
		{"0.1.0", false},
		{"0.1.9", false},
		{"0.0.1", false},
		{"", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		if got := versionSupported(tt.version); got != tt.supported {
			t.Errorf("versionSupported(%q) = %v, want %v", tt.version, got, tt.supported)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	if compareVersions("1.2.3", "1.2.3") != 0 {
		t.Error("equal versions should compare to 0")
	}
	if compareVersions("0.3.0", "0.2.9") <= 0 {
		t.Error("minor bump should win over patch")
	}
	if compareVersions("1.0.0", "0.9.9") <= 0 {
		t.Error("major bump should win")
	}
	if compareVersions("0.2.0", "0.2.1") >= 0 {
		t.Error("patch comparison failed")
	}
}

func TestErrorResponse(t *testing.T) {
	data := errorResponse([]byte(`"abc"`), -32601, "Method not allowed: Foo.bar")
	want := `{"id":"abc","error":{"code":-32601,"message":"Method not allowed: Foo.bar"}}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}
