// pkg/pmpool/budget_test.go
package pmpool

import (
	"sync"
	"testing"
	"time"
)

func TestBudget_NewBudget(t *testing.T) {
	budget := NewBudget(0)
	if budget == nil {
		t.Fatal("NewBudget returned nil")
	}
	if budget.Limit() != DefaultByteLimit {
		t.Errorf("Expected default limit %d, got %d", DefaultByteLimit, budget.Limit())
	}

	customLimit := int64(1024 * 1024 * 100)
	budget2 := NewBudget(customLimit)
	if budget2.Limit() != customLimit {
		t.Errorf("Expected custom limit %d, got %d", customLimit, budget2.Limit())
	}
}

func TestBudget_TrackUsage(t *testing.T) {
	budget := NewBudget(1024 * 1024)

	budget.RegisterComponent("descriptor_pool")
	budget.RegisterComponent("node_blocks")

	budget.Track("descriptor_pool", 4096)
	if budget.ComponentUsage("descriptor_pool") != 4096 {
		t.Errorf("Expected descriptor_pool usage 4096, got %d", budget.ComponentUsage("descriptor_pool"))
	}

	budget.Track("node_blocks", 1024)
	if budget.ComponentUsage("node_blocks") != 1024 {
		t.Errorf("Expected node_blocks usage 1024, got %d", budget.ComponentUsage("node_blocks"))
	}

	if budget.TotalUsage() != 5120 {
		t.Errorf("Expected total usage 5120, got %d", budget.TotalUsage())
	}
}

func TestBudget_Release(t *testing.T) {
	budget := NewBudget(1024 * 1024)
	budget.RegisterComponent("test")

	budget.Track("test", 4096)
	if budget.ComponentUsage("test") != 4096 {
		t.Errorf("Expected usage 4096, got %d", budget.ComponentUsage("test"))
	}

	budget.Release("test", 1024)
	if budget.ComponentUsage("test") != 3072 {
		t.Errorf("Expected usage 3072, got %d", budget.ComponentUsage("test"))
	}

	budget.Release("test", 3072)
	if budget.ComponentUsage("test") != 0 {
		t.Errorf("Expected usage 0, got %d", budget.ComponentUsage("test"))
	}
}

func TestBudget_IsUnderPressure(t *testing.T) {
	limit := int64(1000)
	budget := NewBudget(limit)
	budget.RegisterComponent("test")

	budget.Track("test", 700)
	if budget.IsUnderPressure() {
		t.Error("Should not be under pressure at 70% usage")
	}

	budget.Track("test", 100) // 800 = 80%
	if !budget.IsUnderPressure() {
		t.Error("Should be under pressure at 80% usage")
	}

	budget.Track("test", 100) // 900 = 90%
	if !budget.IsUnderPressure() {
		t.Error("Should be under pressure at 90% usage")
	}
}

func TestBudget_IsExceeded(t *testing.T) {
	limit := int64(1000)
	budget := NewBudget(limit)
	budget.RegisterComponent("test")

	budget.Track("test", 900)
	if budget.IsExceeded() {
		t.Error("Should not be exceeded at 90% usage")
	}

	budget.Track("test", 100) // 1000 = 100%
	if budget.IsExceeded() {
		t.Error("Should not be exceeded at exactly 100% usage")
	}

	budget.Track("test", 100) // 1100 = 110%
	if !budget.IsExceeded() {
		t.Error("Should be exceeded at 110% usage")
	}
}

func TestBudget_SetLimit(t *testing.T) {
	budget := NewBudget(1000)
	budget.RegisterComponent("test")
	budget.Track("test", 500)

	budget.SetLimit(2000)
	if budget.Limit() != 2000 {
		t.Errorf("Expected limit 2000, got %d", budget.Limit())
	}

	budget.SetLimit(800)
	if budget.Limit() != 800 {
		t.Errorf("Expected limit 800, got %d", budget.Limit())
	}
}

func TestBudget_SetPressureThreshold(t *testing.T) {
	budget := NewBudget(1000)
	budget.RegisterComponent("test")

	budget.Track("test", 750)
	if budget.IsUnderPressure() {
		t.Error("Should not be under pressure at 75% with 80% threshold")
	}

	budget.SetPressureThreshold(0.7)
	if !budget.IsUnderPressure() {
		t.Error("Should be under pressure at 75% with 70% threshold")
	}

	budget.SetPressureThreshold(0.9)
	if budget.IsUnderPressure() {
		t.Error("Should not be under pressure at 75% with 90% threshold")
	}
}

func TestBudget_OnPressureCallback(t *testing.T) {
	budget := NewBudget(1000)
	budget.RegisterComponent("test")

	callbackCalled := make(chan struct{}, 1)
	var callbackUsage int64
	var callbackLimit int64
	var mu sync.Mutex

	budget.OnPressure(func(usage, limit int64) {
		mu.Lock()
		callbackUsage = usage
		callbackLimit = limit
		mu.Unlock()
		select {
		case callbackCalled <- struct{}{}:
		default:
		}
	})

	budget.Track("test", 700)
	select {
	case <-callbackCalled:
		t.Error("Callback should not be called when below threshold")
	case <-time.After(50 * time.Millisecond):
	}

	budget.Track("test", 150) // 850 = 85%

	select {
	case <-callbackCalled:
	case <-time.After(100 * time.Millisecond):
		t.Error("Callback should be called when over threshold")
	}

	mu.Lock()
	if callbackUsage != 850 {
		t.Errorf("Expected callback usage 850, got %d", callbackUsage)
	}
	if callbackLimit != 1000 {
		t.Errorf("Expected callback limit 1000, got %d", callbackLimit)
	}
	mu.Unlock()
}

func TestBudget_Stats(t *testing.T) {
	budget := NewBudget(1024 * 1024)
	budget.RegisterComponent("descriptor_pool")
	budget.RegisterComponent("node_blocks")

	budget.Track("descriptor_pool", 4096)
	budget.Track("node_blocks", 1024)

	stats := budget.Stats()

	if stats.Limit != 1024*1024 {
		t.Errorf("Expected limit %d, got %d", 1024*1024, stats.Limit)
	}
	if stats.TotalUsage != 5120 {
		t.Errorf("Expected total usage 5120, got %d", stats.TotalUsage)
	}
	if stats.ComponentUsage["descriptor_pool"] != 4096 {
		t.Errorf("Expected descriptor_pool 4096, got %d", stats.ComponentUsage["descriptor_pool"])
	}
	if stats.ComponentUsage["node_blocks"] != 1024 {
		t.Errorf("Expected node_blocks 1024, got %d", stats.ComponentUsage["node_blocks"])
	}
}

func TestBudget_ConcurrentAccess(t *testing.T) {
	budget := NewBudget(1024 * 1024 * 100)
	budget.RegisterComponent("test")

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				budget.Track("test", 1024)
				budget.Release("test", 1024)
			}
		}()
	}

	wg.Wait()

	if budget.ComponentUsage("test") != 0 {
		t.Errorf("Expected final usage 0, got %d", budget.ComponentUsage("test"))
	}
}
