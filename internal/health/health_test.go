package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/breaker"
)

func TestReadyAllHealthy(t *testing.T) {
	t.Parallel()

	c := NewChecker(breaker.New(breaker.DefaultConfig()), time.Second)
	c.Register("job_store", PingFunc(func(context.Context) error { return nil }))

	report := c.Ready(context.Background())
	require.Equal(t, StatusOK, report.Status)
	require.Equal(t, map[string]string{"job_store": StatusOK}, report.Checks)
	require.Empty(t, report.Circuits)
}

func TestReadyDownWhenBackendFails(t *testing.T) {
	t.Parallel()

	c := NewChecker(nil, time.Second)
	c.Register("job_store", PingFunc(func(context.Context) error { return nil }))
	c.Register("redis", PingFunc(func(context.Context) error { return errors.New("connection refused") }))

	report := c.Ready(context.Background())
	require.Equal(t, StatusDown, report.Status)
	require.Equal(t, "connection refused", report.Checks["redis"])
	require.Equal(t, StatusOK, report.Checks["job_store"])
}

func TestReadyDegradedWhenCircuitOpen(t *testing.T) {
	t.Parallel()

	reg := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	_ = reg.Call(context.Background(), "doctoralia", func(context.Context) error { return errors.New("boom") })

	c := NewChecker(reg, time.Second)
	report := c.Ready(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, breaker.StateOpen.String(), report.Circuits["doctoralia"])
}

func TestReadyHonorsTimeout(t *testing.T) {
	t.Parallel()

	c := NewChecker(nil, 20*time.Millisecond)
	c.Register("slow", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	start := time.Now()
	report := c.Ready(context.Background())
	require.Equal(t, StatusDown, report.Status)
	require.Less(t, time.Since(start), time.Second)
}
