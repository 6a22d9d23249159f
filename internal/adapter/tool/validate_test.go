package tool

import "testing"

func TestRequireField(t *testing.T) {
	if err := RequireField("command", ""); err == nil || err.Error() != "command parameter is required" {
		t.Errorf("RequireField(empty) = %v", err)
	}
	if err := RequireField("command", "ls"); err != nil {
		t.Errorf("RequireField(ls) = %v", err)
	}
}

func TestValidateRange(t *testing.T) {
	tests := []struct {
		value   int
		wantErr bool
	}{
		{-1, true},
		{0, false},
		{3600, false},
		{3601, true},
	}
	for _, tt := range tests {
		err := ValidateRange("timeout_seconds", tt.value, 0, 3600)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRange(%d) err = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
	if err := ValidateRange("timeout_seconds", 9999, 0, 3600); err.Error() != "timeout_seconds must be 0-3600" {
		t.Errorf("message = %q", err)
	}
}
