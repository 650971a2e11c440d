package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/config"
	"github.com/reliefops/relief-engine/internal/model"
)

func TestCheckerCheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	t.Cleanup(srv.Close)

	st := newMonitoringStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := st.CreateRequest(ctx, &model.RescueRequest{
			Location:    "north shore",
			Details:     "medical evacuation",
			PeopleCount: 4,
			Priority:    model.TierHigh,
		})
		require.NoError(t, err)
	}

	cfg := config.MonitoringConfig{
		WebhookURL:          srv.URL,
		BacklogThreshold:    2,
		LookbackWindowHours: 24,
	}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg)

	checker.check(ctx, zap.NewNop())
	assert.Equal(t, int32(1), received.Load())
}

func TestCheckerRunStopsOnCancel(t *testing.T) {
	st := newMonitoringStore(t)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 3600, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop on cancel")
	}
}
