package util

import "testing"

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min(3, 5) should be 3")
	}
	if Min(5, 3) != 3 {
		t.Fatal("Min(5, 3) should be 3")
	}
}

func TestRounddown(t *testing.T) {
	if got := Rounddown(4100, 4096); got != 4096 {
		t.Fatalf("Rounddown(4100, 4096) = %d, want 4096", got)
	}
	if got := Rounddown(4096, 4096); got != 4096 {
		t.Fatalf("Rounddown(4096, 4096) = %d, want 4096", got)
	}
}

func TestRoundup(t *testing.T) {
	if got := Roundup(4097, 4096); got != 8192 {
		t.Fatalf("Roundup(4097, 4096) = %d, want 8192", got)
	}
	if got := Roundup(4096, 4096); got != 4096 {
		t.Fatalf("Roundup(4096, 4096) = %d, want 4096", got)
	}
}
