package symres

import "testing"

func TestResolveAddsOffset(t *testing.T) {
	SetOffset(0x1000)
	if got, want := Resolve(0x42), uint64(0x1042); got != want {
		t.Fatalf("Resolve() = %#x, want %#x", got, want)
	}
}

func TestSetOffsetOverwritesPrevious(t *testing.T) {
	SetOffset(0x1000)
	SetOffset(0x2000)
	if got, want := Resolve(0), uint64(0x2000); got != want {
		t.Fatalf("Resolve() = %#x, want %#x", got, want)
	}
}
