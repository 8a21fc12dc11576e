package stats

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCounters(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.MessageProcessed()
	c.ErrorOccurred()
	c.CacheHit()
	c.CacheMiss()
	c.CacheMiss()

	s := c.Snapshot()
	if s.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", s.ActiveConnections)
	}
	if s.TotalConnections != 2 {
		t.Errorf("TotalConnections = %d, want 2", s.TotalConnections)
	}
	if s.MessagesProcessed != 1 || s.Errors != 1 {
		t.Errorf("messages/errors = %d/%d, want 1/1", s.MessagesProcessed, s.Errors)
	}
	if s.CacheHits != 1 || s.CacheMisses != 2 {
		t.Errorf("cache hits/misses = %d/%d, want 1/2", s.CacheHits, s.CacheMisses)
	}
}

func TestPeakInFlight(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.UpstreamStarted()
	c.UpstreamStarted()
	c.UpstreamStarted()
	c.UpstreamFinished()

	s := c.Snapshot()
	if s.InFlight != 2 {
		t.Errorf("InFlight = %d, want 2", s.InFlight)
	}
	if s.PeakInFlight != 3 {
		t.Errorf("PeakInFlight = %d, want 3", s.PeakInFlight)
	}
}

func TestPeakInFlightConcurrent(t *testing.T) {
	c := New(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UpstreamStarted()
			c.UpstreamFinished()
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.InFlight != 0 {
		t.Errorf("InFlight = %d after balanced calls, want 0", s.InFlight)
	}
	if s.PeakInFlight < 1 || s.PeakInFlight > 100 {
		t.Errorf("PeakInFlight = %d, want within [1,100]", s.PeakInFlight)
	}
}

func TestSnapshotHooks(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.CacheSize = func() int { return 7 }
	c.CacheHitRate = func() float64 { return 0.5 }
	c.ActiveSessions = func() int { return 3 }

	s := c.Snapshot()
	if s.CacheSize != 7 || s.CacheHitRate != 0.5 || s.ActiveSessions != 3 {
		t.Errorf("hooked snapshot = %+v", s)
	}
}
