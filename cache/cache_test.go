package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUEviction(t *testing.T) {
	c := New(2, time.Hour)
	c.Put("A", "x")
	c.Put("B", "y")
	c.Put("C", "z")

	if _, ok := c.Get("A"); ok {
		t.Error("A should have been evicted")
	}
	if v, ok := c.Get("B"); !ok || v != "y" {
		t.Errorf("Get(B) = %q, %v, want y, true", v, ok)
	}
	if v, ok := c.Get("C"); !ok || v != "z" {
		t.Errorf("Get(C) = %q, %v, want z, true", v, ok)
	}
	if c.Size() != 2 {
		t.Errorf("Size = %d, want 2", c.Size())
	}
}

func TestRecencyBumpProtectsHitEntries(t *testing.T) {
	c := New(2, time.Hour)
	c.Put("A", "x")
	c.Put("B", "y")

	// A is now the most recently used, so inserting C must evict B.
	if _, ok := c.Get("A"); !ok {
		t.Fatal("Get(A) missed")
	}
	c.Put("C", "z")

	if _, ok := c.Get("B"); ok {
		t.Error("B should have been evicted, not A")
	}
	if _, ok := c.Get("A"); !ok {
		t.Error("A should have survived")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, time.Hour)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Put("A", "x")
	if _, ok := c.Get("A"); !ok {
		t.Fatal("fresh entry should hit")
	}

	clock = clock.Add(time.Hour + time.Second)
	if _, ok := c.Get("A"); ok {
		t.Error("expired entry should miss")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry should be removed, size = %d", c.Size())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New(10, time.Hour)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Put("A", "x")
	c.Put("B", "y")
	clock = clock.Add(30 * time.Minute)
	c.Put("C", "z")

	clock = clock.Add(45 * time.Minute) // A and B past TTL, C not
	if n := c.Sweep(); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if c.Size() != 1 {
		t.Errorf("Size = %d, want 1", c.Size())
	}
}

func TestSizeNeverExceedsMax(t *testing.T) {
	c := New(3, time.Hour)
	for i := 0; i < 20; i++ {
		c.Put(fmt.Sprintf("k%d", i), "v")
		if c.Size() > 3 {
			t.Fatalf("size %d exceeds max 3 after %d puts", c.Size(), i+1)
		}
	}
}

func TestEmptyValueNotCached(t *testing.T) {
	c := New(10, time.Hour)
	c.Put("A", "")
	if c.Size() != 0 {
		t.Error("empty value should not be cached")
	}
}

func TestKeyNormalization(t *testing.T) {
	if Key("bot1", "Hello") != Key("bot1", "  hello ") {
		t.Error("case and whitespace should fold to the same key")
	}
	if Key("bot1", "hello") == Key("bot2", "hello") {
		t.Error("different bots must not share keys")
	}
}

func TestHitRate(t *testing.T) {
	c := New(10, time.Hour)
	if c.HitRate() != 0 {
		t.Errorf("HitRate before any lookup = %v, want 0", c.HitRate())
	}

	c.Put("A", "x")
	c.Get("A")
	c.Get("A")
	c.Get("missing")

	want := 2.0 / 3.0
	if got := c.HitRate(); got != want {
		t.Errorf("HitRate = %v, want %v", got, want)
	}
}

func TestOverwriteRefreshesEntry(t *testing.T) {
	c := New(2, time.Hour)
	c.Put("A", "x")
	c.Put("B", "y")
	c.Put("A", "x2") // overwrite, also bumps recency
	c.Put("C", "z")  // must evict B

	if v, ok := c.Get("A"); !ok || v != "x2" {
		t.Errorf("Get(A) = %q, %v, want x2, true", v, ok)
	}
	if _, ok := c.Get("B"); ok {
		t.Error("B should have been evicted")
	}
}
