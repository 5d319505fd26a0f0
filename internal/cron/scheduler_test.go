package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posbridge/internal/audit"
	"posbridge/internal/broker"
)

type fakeSessions struct {
	expired []string
	maxAge  time.Duration
	counts  map[broker.Status]int
	panics  bool
}

func (f *fakeSessions) ExpirePending(_ context.Context, maxAge time.Duration) []string {
	if f.panics {
		panic("boom")
	}
	f.maxAge = maxAge
	return f.expired
}

func (f *fakeSessions) Counts() map[broker.Status]int { return f.counts }

type fakeAudit struct {
	mu      sync.Mutex
	records []audit.Record
	gcErr   error
	gcRuns  int
}

func (f *fakeAudit) Append(rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) RunGC() error {
	f.gcRuns++
	return f.gcErr
}

type fakeReporter struct {
	enabled  bool
	messages []string
}

func (f *fakeReporter) Enabled() bool { return f.enabled }

func (f *fakeReporter) SendMessage(_ context.Context, text string) error {
	f.messages = append(f.messages, text)
	return nil
}

func TestExpireSessionsAuditsEachOrder(t *testing.T) {
	sessions := &fakeSessions{expired: []string{"ORD_1", "ORD_2"}}
	log := &fakeAudit{}
	s := New(sessions, log, nil, 30*time.Minute, zaptest.NewLogger(t))

	s.expireSessions()

	assert.Equal(t, 30*time.Minute, sessions.maxAge)
	require.Len(t, log.records, 2)
	for i, id := range []string{"ORD_1", "ORD_2"} {
		assert.Equal(t, id, log.records[i].OrderID)
		assert.Equal(t, audit.KindExpired, log.records[i].Kind)
		assert.Equal(t, "scheduler", log.records[i].Source)
	}
}

func TestExpireSessionsDisabledWithoutTTL(t *testing.T) {
	sessions := &fakeSessions{expired: []string{"ORD_1"}}
	log := &fakeAudit{}
	s := New(sessions, log, nil, 0, zaptest.NewLogger(t))

	s.expireSessions()

	assert.Empty(t, log.records)
	assert.Zero(t, sessions.maxAge)
}

func TestJobPanicIsRecovered(t *testing.T) {
	s := New(&fakeSessions{panics: true}, &fakeAudit{}, nil, time.Minute, zaptest.NewLogger(t))

	assert.NotPanics(t, s.expireSessions)
}

func TestAuditGCErrorIsLogged(t *testing.T) {
	log := &fakeAudit{gcErr: errors.New("disk")}
	s := New(&fakeSessions{}, log, nil, time.Minute, zaptest.NewLogger(t))

	assert.NotPanics(t, s.auditGC)
	assert.Equal(t, 1, log.gcRuns)
}

func TestDailyStatusReport(t *testing.T) {
	sessions := &fakeSessions{counts: map[broker.Status]int{
		broker.StatusPaid:    4,
		broker.StatusFailed:  1,
		broker.StatusPending: 2,
	}}

	disabled := &fakeReporter{}
	New(sessions, &fakeAudit{}, disabled, time.Minute, zaptest.NewLogger(t)).dailyStatusReport()
	assert.Empty(t, disabled.messages)

	reporter := &fakeReporter{enabled: true}
	New(sessions, &fakeAudit{}, reporter, time.Minute, zaptest.NewLogger(t)).dailyStatusReport()
	require.Len(t, reporter.messages, 1)
	assert.Contains(t, reporter.messages[0], "Paid: 4")
	assert.Contains(t, reporter.messages[0], "Failed: 1")
	assert.Contains(t, reporter.messages[0], "Pending: 2")
}

func TestStartRegistersJobs(t *testing.T) {
	s := New(&fakeSessions{}, &fakeAudit{}, nil, time.Minute, zaptest.NewLogger(t))

	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 3)
	<-s.Stop().Done()
}
