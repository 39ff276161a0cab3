package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/errs"
)

func TestOutcome(t *testing.T) {
	require.Equal(t, OutcomeOK, Outcome(nil))
	require.Equal(t, OutcomeConflict, Outcome(fmt.Errorf("wrapped: %w", errs.ErrConcurrentUpdate)))
	require.Equal(t, OutcomeError, Outcome(errs.ErrEntityNotFound))
}

func TestObserveMutation(t *testing.T) {
	m := New()
	m.ObserveMutation("AddEntity", nil)
	m.ObserveMutation("AddEntity", nil)
	m.ObserveMutation("AddEntity", errs.ErrConcurrentUpdate)

	require.Equal(t, 2.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues("AddEntity", OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues("AddEntity", OutcomeConflict)))
}

func TestObserveSearch(t *testing.T) {
	m := New()
	m.ObserveSearch("FindEntities", time.Now(), nil)

	require.Equal(t, 1.0, testutil.ToFloat64(m.SearchesTotal.WithLabelValues("FindEntities", OutcomeOK)))
	require.Equal(t, 1, testutil.CollectAndCount(m.SearchDuration))
}

func TestSteps(t *testing.T) {
	m := New()
	m.StepStarted()
	m.StepStarted()
	m.StepFinished()
	m.ObserveStep("verify-asset", "ACTIONED")

	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSteps))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("verify-asset", "ACTIONED")))
}

func TestNilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveMutation("x", nil)
		m.ObserveRetry("x")
		m.ObserveSearch("x", time.Now(), nil)
		m.StepStarted()
		m.StepFinished()
		m.ObserveStep("x", "y")
		m.ObserveEvent("x")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveEvent("EntityAdded")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `strata_events_published_total{kind="EntityAdded"} 1`))
}
