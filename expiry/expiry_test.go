package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clockwork-earth/clockwork/storage"
	"github.com/stretchr/testify/require"
)

type fakeViewers struct {
	mu    sync.Mutex
	idles []time.Duration
	n     int
}

func (f *fakeViewers) CloseIdle(idle time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idles = append(f.idles, idle)
	return f.n
}

func (f *fakeViewers) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.idles)
}

type fakeObjects struct {
	objects []storage.Object
	deleted []string
	failOn  string
}

func (f *fakeObjects) List(context.Context) ([]storage.Object, error) {
	return f.objects, nil
}

func (f *fakeObjects) Delete(_ context.Context, p string) error {
	if p == f.failOn {
		return errors.New("backend unavailable")
	}
	f.deleted = append(f.deleted, p)
	return nil
}

type fakeRefs map[string]struct{}

func (f fakeRefs) PDFPaths(context.Context) (map[string]struct{}, error) {
	return f, nil
}

func TestRunOnce_CollectsOrphansPastGrace(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	objects := &fakeObjects{objects: []storage.Object{
		{Path: "old-orphan.pdf", Size: 100, CreatedAt: now.Add(-48 * time.Hour)},
		{Path: "new-orphan.pdf", Size: 200, CreatedAt: now.Add(-time.Minute)},
		{Path: "referenced.pdf", Size: 300, CreatedAt: now.Add(-72 * time.Hour)},
		{Path: "stuck.pdf", Size: 400, CreatedAt: now.Add(-72 * time.Hour)},
	}, failOn: "stuck.pdf"}
	refs := fakeRefs{"referenced.pdf": {}}

	m := NewManager(nil, objects, refs, Config{OrphanGrace: 24 * time.Hour})
	m.now = func() time.Time { return now }

	result := m.RunOnce(context.Background())
	require.Equal(t, 1, result.OrphansDeleted)
	require.EqualValues(t, 100, result.BytesFreed)
	require.Equal(t, 1, result.Errors)
	require.Equal(t, []string{"old-orphan.pdf"}, objects.deleted)
}

func TestRunOnce_ClosesIdleViewers(t *testing.T) {
	viewers := &fakeViewers{n: 2}
	m := NewManager(viewers, nil, nil, Config{ViewerIdle: 15 * time.Minute})

	result := m.RunOnce(context.Background())
	require.Equal(t, 2, result.ViewersClosed)
	require.Equal(t, []time.Duration{15 * time.Minute}, viewers.idles)
}

func TestRunOnce_DisabledPhases(t *testing.T) {
	viewers := &fakeViewers{n: 5}
	objects := &fakeObjects{objects: []storage.Object{{Path: "x.pdf"}}}
	m := NewManager(viewers, objects, fakeRefs{}, Config{})

	result := m.RunOnce(context.Background())
	require.Zero(t, result.ViewersClosed)
	require.Zero(t, result.OrphansDeleted)
	require.Zero(t, viewers.calls())
	require.Empty(t, objects.deleted)
}

func TestManagerStartStop(t *testing.T) {
	viewers := &fakeViewers{}
	m := NewManager(viewers, nil, nil, Config{
		ViewerIdle:    time.Minute,
		CheckInterval: 10 * time.Millisecond,
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return viewers.calls() > 0 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	n := viewers.calls()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, viewers.calls())
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := NewManager(nil, nil, nil, DefaultConfig())
	m.Stop()
	require.NoError(t, m.Start(context.Background()))
}
