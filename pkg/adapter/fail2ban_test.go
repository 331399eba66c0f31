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

const f2bStatus = "Status\n" +
	"|- Number of jail:\t2\n" +
	"`- Jail list:\tsshd, nginx-http-auth\n"

const f2bSshdStatus = "Status for the jail: sshd\n" +
	"|- Filter\n" +
	"|  |- Currently failed:\t1\n" +
	"|  |- Total failed:\t15\n" +
	"|  `- File list:\t/var/log/auth.log\n" +
	"`- Actions\n" +
	"   |- Currently banned:\t2\n" +
	"   |- Total banned:\t8\n" +
	"   `- Banned IP list:\t192.0.2.10 198.51.100.4\n"

const f2bNginxStatus = "Status for the jail: nginx-http-auth\n" +
	"`- Actions\n" +
	"   |- Currently banned:\t0\n" +
	"   `- Banned IP list:\t\n"

func TestFail2banDiscoversJails(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"fail2ban-client status":                 f2bStatus,
		"fail2ban-client status sshd":            f2bSshdStatus,
		"fail2ban-client status nginx-http-auth": f2bNginxStatus,
	}}
	a := NewFail2ban(config.Fail2banSource{}, runner.run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2, "two banned IPs in sshd, none in nginx")

	assert.Equal(t, "fail2ban-client status", runner.calls[0], "discovery runs first")

	first := events[0]
	assert.Equal(t, types.SourceHostIPS, first.Source)
	assert.Equal(t, "ban", first.Type)
	assert.Equal(t, types.SeverityMedium, first.Severity)
	assert.False(t, first.Persistent, "bans self-resolve")
	assert.Equal(t, "host:192.0.2.10:sshd", first.Signature())
	assert.Equal(t, "host:198.51.100.4:sshd", events[1].Signature())
}

func TestFail2banConfiguredJailsSkipDiscovery(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"fail2ban-client status sshd": f2bSshdStatus,
	}}
	a := NewFail2ban(config.Fail2banSource{Jails: []string{"sshd"}}, runner.run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, []string{"fail2ban-client status sshd"}, runner.calls)
}

func TestFail2banNoBansIsSilent(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"fail2ban-client status nginx-http-auth": f2bNginxStatus,
	}}
	a := NewFail2ban(config.Fail2banSource{Jails: []string{"nginx-http-auth"}}, runner.run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFail2banCommandFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("socket unavailable")}
	a := NewFail2ban(config.Fail2banSource{Jails: []string{"sshd"}}, runner.run)

	_, err := a.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sshd")
}

func TestLabeledValue(t *testing.T) {
	assert.Equal(t, "sshd, nginx-http-auth", labeledValue(f2bStatus, "Jail list:"))
	assert.Equal(t, "", labeledValue(f2bStatus, "Banned IP list:"))
	assert.Equal(t, "192.0.2.10 198.51.100.4", labeledValue(f2bSshdStatus, "Banned IP list:"))
}
