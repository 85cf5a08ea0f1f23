package cachemanager

import "testing"

func TestAdmissionPolicy_ForceCaching(t *testing.T) {
	p := NewAdmissionPolicy(1)
	p.SetForceCaching(true)
	for i := 0; i < 100; i++ {
		if !p.Admit() {
			t.Fatal("ForceCaching should make every Admit call return true")
		}
	}
}

func TestAdmissionPolicy_RoughlyOneInTen(t *testing.T) {
	p := NewAdmissionPolicy(42)
	kept := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if p.Admit() {
			kept++
		}
	}
	rate := float64(kept) / float64(n)
	if rate < 0.05 || rate > 0.15 {
		t.Errorf("expected keep rate near 0.1, got %f", rate)
	}
}
