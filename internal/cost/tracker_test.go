package cost

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordSplitsLocalAndCloud(t *testing.T) {
	tr := NewTracker(map[string]float64{"openai": 2.0})
	tr.Record("ollama", true, 750_000)
	tr.Record("openai", false, 250_000)

	u := tr.Daily()
	assert.Equal(t, 2, u.Requests)
	assert.Equal(t, 750_000, u.LocalTokens)
	assert.Equal(t, 250_000, u.CloudTokens)
	assert.InDelta(t, 0.5, u.CloudCost, 1e-9)
	assert.Equal(t, 75.0, u.LocalRate)
	assert.InDelta(t, 0.0, u.Savings, 1e-9)
	assert.Equal(t, map[string]int{"ollama": 750_000, "openai": 250_000}, u.ByBackend)
}

func TestUnpricedBackendIsFree(t *testing.T) {
	tr := NewTracker(nil)
	tr.Record("anthropic", false, 1_000_000)
	u := tr.Total()
	assert.Zero(t, u.CloudCost)
	assert.Equal(t, BaselineCostPerMillion, u.Savings)
}

func TestDailyRollsOver(t *testing.T) {
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	tr := NewTracker(nil)
	tr.now = func() time.Time { return day }
	tr.daily = tr.fresh()

	tr.Record("ollama", true, 10)
	day = day.Add(2 * time.Minute)
	tr.Record("ollama", true, 5)

	assert.Equal(t, "2026-03-02", tr.Daily().Date)
	assert.Equal(t, 5, tr.Daily().LocalTokens)
	assert.Equal(t, 15, tr.Total().LocalTokens)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker(nil)
	tr.Record("ollama", true, 1)
	u := tr.Daily()
	u.ByBackend["ollama"] = 99
	assert.Equal(t, 1, tr.Daily().ByBackend["ollama"])
}

func TestConcurrentRecord(t *testing.T) {
	tr := NewTracker(nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Record("ollama", true, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, tr.Total().Requests)
}
