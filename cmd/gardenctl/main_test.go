package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/aonescu/gardensync/internal/eventlog"
	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/gardenstore"
	"github.com/aonescu/gardensync/internal/session"
)

type staticClient struct{}

func (staticClient) FetchGarden(ctx context.Context, gardenID string) (*eventlog.Snapshot, error) {
	return &eventlog.Snapshot{Garden: garden.Garden{ID: gardenID, Objects: []garden.Object{}}, Version: 1}, nil
}

func (staticClient) AppendEvents(ctx context.Context, gardenID string, events []garden.Event) (*eventlog.AppendResult, error) {
	return nil, errors.New("unreachable")
}

func loadedCtl(t *testing.T, sessionPath string) *gardenCtl {
	t.Helper()
	store := gardenstore.New("g-1", staticClient{})
	store.LoadGarden(context.Background())
	return &gardenCtl{store: store, sessionPath: sessionPath}
}

func TestFinish_ReportsSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	c := loadedCtl(t, filepath.Join(blocker, "session.cbor"))

	if err := c.finish(nil); err == nil {
		t.Error("Expected a failed session write to be reported")
	}

	cause := errors.New("garden g-1: flush failed")
	err := c.finish(cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "session")
}

func TestFinish_SavesSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-g-1.cbor")
	c := loadedCtl(t, path)

	cause := errors.New("timed out")
	assert.ErrorIs(t, c.finish(cause), cause)

	saved, err := session.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "g-1", saved.GardenID)
	assert.Equal(t, int64(1), saved.Garden.Version)
}

func TestSetVerbosity(t *testing.T) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	defer fs.Set("v", "0")

	if err := setVerbosity(fs, "2"); err != nil {
		t.Fatalf("setVerbosity() failed: %v", err)
	}
	if got := fs.Lookup("v").Value.String(); got != "2" {
		t.Errorf("Expected verbosity 2, got %s", got)
	}

	if err := setVerbosity(fs, "loud"); err == nil {
		t.Error("Expected an error for a non-numeric level")
	}
}
