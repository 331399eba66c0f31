package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/types"
)

const aideReport = `AIDE 0.17.4 found differences between database and filesystem!!
Start timestamp: 2025-06-01 04:00:02 +0000 (AIDE 0.17.4)

Summary:
  Total number of entries:	5063
  Added entries:		1
  Removed entries:		1
  Changed entries:		2

---------------------------------------------------
Added entries:
---------------------------------------------------

f++++++++++++++++: /etc/cron.d/backdoor

---------------------------------------------------
Removed entries:
---------------------------------------------------

f----------------: /usr/local/bin/old-tool

---------------------------------------------------
Changed entries:
---------------------------------------------------

f   ...mc..  .. .: /etc/passwd
d   ...m...  .. .: /var/www/app

---------------------------------------------------
Detailed information about changes:
---------------------------------------------------

File: /etc/passwd
  Mtime     : 2025-05-31 09:00:00 +0000 | 2025-06-01 03:59:40 +0000
`

const aideClean = `AIDE 0.17.4 found NO differences between database and filesystem. Looks okay!!
Start timestamp: 2025-06-01 04:00:02 +0000 (AIDE 0.17.4)
`

func aideSource() config.AideSource {
	return config.AideSource{
		Command:       "cat /var/log/aide/aide.log",
		CriticalPaths: []string{"/etc/passwd", "/etc/shadow", "/etc/ssh", "/boot"},
	}
}

func TestAideParsesReportSections(t *testing.T) {
	cfg := aideSource()
	runner := &fakeRunner{outputs: map[string]string{cfg.Command: aideReport}}
	a := NewAide(cfg, runner.run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 4, "detailed section must not contribute entries")

	bySig := map[string]*types.SecurityEvent{}
	for _, ev := range events {
		assert.Equal(t, types.SourceFileIntegrity, ev.Source)
		assert.Equal(t, "integrity_violation", ev.Type)
		assert.True(t, ev.Persistent)
		bySig[ev.Signature()] = ev
	}

	require.Contains(t, bySig, "file:/etc/cron.d/backdoor:added")
	require.Contains(t, bySig, "file:/usr/local/bin/old-tool:removed")
	require.Contains(t, bySig, "file:/etc/passwd:changed")
	require.Contains(t, bySig, "file:/var/www/app:changed")

	assert.Equal(t, types.SeverityCritical, bySig["file:/etc/passwd:changed"].Severity)
	assert.Equal(t, types.SeverityHigh, bySig["file:/var/www/app:changed"].Severity)
	assert.Equal(t, types.SeverityHigh, bySig["file:/etc/cron.d/backdoor:added"].Severity)
}

func TestAideUnchangedReportIsSilent(t *testing.T) {
	cfg := aideSource()
	runner := &fakeRunner{outputs: map[string]string{cfg.Command: aideReport}}
	a := NewAide(cfg, runner.run)
	ctx := context.Background()

	events, err := a.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	events, err = a.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "identical report is not news")

	runner.outputs[cfg.Command] = aideClean
	events, err = a.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	runner.outputs[cfg.Command] = aideReport
	events, err = a.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 4, "a changed report is parsed again")
}

func TestAideNonzeroExitStillParses(t *testing.T) {
	// aide --check exits with a difference bitmask when it finds
	// anything; the report on stdout is still authoritative.
	run := func(ctx context.Context, command string) (string, error) {
		return aideReport, errors.New("command exited 5: ")
	}
	a := NewAide(aideSource(), run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestAideCommandFailureWithoutOutput(t *testing.T) {
	runner := &fakeRunner{err: errors.New("aide: not found")}
	a := NewAide(aideSource(), runner.run)

	_, err := a.Poll(context.Background())
	require.Error(t, err)
}

func TestAideCleanReportIsSilent(t *testing.T) {
	cfg := aideSource()
	runner := &fakeRunner{outputs: map[string]string{cfg.Command: aideClean}}
	a := NewAide(cfg, runner.run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}
