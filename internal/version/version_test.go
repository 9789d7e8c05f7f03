package version

import "testing"

func TestGet(t *testing.T) {
	if Get() == "" {
		t.Fatal("embedded version is empty")
	}

	old := Override
	t.Cleanup(func() { Override = old })
	Override = " v9.9.9\n"
	if got := Get(); got != "v9.9.9" {
		t.Errorf("Get() with override = %q, want v9.9.9", got)
	}
}
