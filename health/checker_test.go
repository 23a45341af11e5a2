package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

func testChecker(t *testing.T, bus *eventbus.Bus) *Checker {
	t.Helper()
	c := New(DefaultConfig(), bus)
	t.Cleanup(c.Close)
	return c
}

func TestHTTPCheckAcceptsSub500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testChecker(t, nil)
	require.NoError(t, c.Register(CheckConfig{Name: "api", Type: CheckHTTP, Target: srv.URL, Critical: true}))

	result, err := c.RunCheck("api")
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, result.Outcome)
	assert.Equal(t, StatusHealthy, c.Status())
}

func TestHTTPCheckRejects500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testChecker(t, nil)
	require.NoError(t, c.Register(CheckConfig{Name: "api", Type: CheckHTTP, Target: srv.URL, Critical: true}))

	result, err := c.RunCheck("api")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, result.Outcome)
	assert.Equal(t, StatusUnhealthy, c.Status())
}

func TestHTTPCheckExpectedResponseStrictEquality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok", "version": 2}`))
	}))
	defer srv.Close()

	c := testChecker(t, nil)
	require.NoError(t, c.Register(CheckConfig{
		Name: "exact", Type: CheckHTTP, Target: srv.URL, Critical: true,
		// Key order differs; JSON equality still holds.
		ExpectedResponse: `{"version": 2, "status": "ok"}`,
	}))
	result, err := c.RunCheck("exact")
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, result.Outcome)

	require.NoError(t, c.Register(CheckConfig{
		Name: "mismatch", Type: CheckHTTP, Target: srv.URL, Critical: true,
		ExpectedResponse: `{"status": "ok"}`,
	}))
	result, err = c.RunCheck("mismatch")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, result.Outcome)
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	c := testChecker(t, nil)
	require.NoError(t, c.Register(CheckConfig{Name: "tcp-up", Type: CheckTCP, Target: ln.Addr().String(), Critical: true}))
	result, err := c.RunCheck("tcp-up")
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, result.Outcome)

	require.NoError(t, c.Register(CheckConfig{
		Name: "tcp-down", Type: CheckTCP, Target: "127.0.0.1:1", Critical: true,
		Timeout: 200 * time.Millisecond,
	}))
	result, err = c.RunCheck("tcp-down")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, result.Outcome)
}

func TestCommandCheck(t *testing.T) {
	c := testChecker(t, nil)

	require.NoError(t, c.Register(CheckConfig{Name: "ok", Type: CheckCommand, Target: "true", Critical: true}))
	result, err := c.RunCheck("ok")
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, result.Outcome)

	require.NoError(t, c.Register(CheckConfig{Name: "nonzero", Type: CheckCommand, Target: "false", Critical: true}))
	result, err = c.RunCheck("nonzero")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, result.Outcome)

	require.NoError(t, c.Register(CheckConfig{Name: "stderr", Type: CheckCommand, Target: "echo oops 1>&2", Critical: true}))
	result, err = c.RunCheck("stderr")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, result.Outcome)
}

func TestAggregationDegradedVsUnhealthy(t *testing.T) {
	c := testChecker(t, nil)
	pass := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return errors.New("down") }

	require.NoError(t, c.Register(CheckConfig{Name: "db", Type: CheckCustom, Custom: pass, Critical: true}))
	require.NoError(t, c.Register(CheckConfig{Name: "cache", Type: CheckCustom, Custom: fail, Critical: false}))
	c.RunCheck("db")
	c.RunCheck("cache")

	// A non-critical failure only degrades.
	assert.Equal(t, StatusDegraded, c.Status())

	require.NoError(t, c.Register(CheckConfig{Name: "storage", Type: CheckCustom, Custom: fail, Critical: true}))
	c.RunCheck("storage")
	assert.Equal(t, StatusUnhealthy, c.Status())
}

func TestRetriesBeforeFailure(t *testing.T) {
	c := testChecker(t, nil)

	calls := 0
	require.NoError(t, c.Register(CheckConfig{
		Name: "flaky", Type: CheckCustom, Critical: true, Retries: 2,
		Custom: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	result, err := c.RunCheck("flaky")
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
}

func TestDefaultRetriesAppliedAtRegistration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRetries = 2
	c := New(cfg, nil)
	t.Cleanup(c.Close)

	calls := 0
	require.NoError(t, c.Register(CheckConfig{
		Name: "flaky", Type: CheckCustom, Critical: true,
		Custom: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	result, err := c.RunCheck("flaky")
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
}

func TestUptimeResetsOnUnhealthy(t *testing.T) {
	c := testChecker(t, nil)
	c.Start()

	healthy := true
	require.NoError(t, c.Register(CheckConfig{
		Name: "dep", Type: CheckCustom, Critical: true, Interval: time.Hour,
		Custom: func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		},
	}))

	c.RunCheck("dep")
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, c.Report().Uptime, time.Duration(0))

	healthy = false
	c.RunCheck("dep")
	assert.Equal(t, time.Duration(0), c.Report().Uptime)

	// Recovery restarts accumulation from zero.
	healthy = true
	c.RunCheck("dep")
	assert.Less(t, c.Report().Uptime, 10*time.Millisecond)
}

func TestStatusChangeEvent(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	defer bus.Close()

	var transitions []string
	_, err := bus.Subscribe([]string{"health:status_changed"}, func(ctx context.Context, e *eventbus.Event) error {
		transitions = append(transitions, e.Data["to"].(string))
		return nil
	}, eventbus.SubscribeOptions{})
	require.NoError(t, err)

	c := testChecker(t, bus)
	healthy := false
	require.NoError(t, c.Register(CheckConfig{
		Name: "dep", Type: CheckCustom, Critical: true,
		Custom: func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		},
	}))

	c.RunCheck("dep")
	healthy = true
	c.RunCheck("dep")
	c.RunCheck("dep") // no transition, no event

	assert.Equal(t, []string{"unhealthy", "healthy"}, transitions)
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	c := New(cfg, nil)
	defer c.Close()

	require.NoError(t, c.Register(CheckConfig{
		Name: "dep", Type: CheckCustom, Critical: true,
		Custom: func(ctx context.Context) error { return nil },
	}))
	for i := 0; i < 6; i++ {
		c.RunCheck("dep")
	}

	assert.Len(t, c.History(0), 3)
	assert.Len(t, c.History(2), 2)
}

func TestRunUnknownCheck(t *testing.T) {
	c := testChecker(t, nil)
	_, err := c.RunCheck("ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
