package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/types"
)

const cscliAlerts = `[
  {
    "source": {"cn": "CN", "ip": "203.0.113.50"},
    "decisions": [
      {"scenario": "crowdsecurity/ssh-bf", "scope": "Ip", "value": "203.0.113.50", "type": "ban"},
      {"scenario": "crowdsecurity/http-probing", "scope": "Country", "value": "CN", "type": "ban"}
    ]
  },
  {
    "source": {"cn": ""},
    "decisions": [
      {"scenario": "crowdsecurity/http-crawl", "scope": "Range", "value": "198.51.100.0/24", "type": "ban"}
    ]
  }
]`

func TestCrowdSecEmitsAddressDecisions(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		defaultCrowdSecCommand: cscliAlerts,
	}}
	a := NewCrowdSec(config.CrowdSecSource{}, runner.run)

	events, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2, "country-scoped decision is skipped")

	first := events[0]
	assert.Equal(t, types.SourceNetworkIPS, first.Source)
	assert.Equal(t, "threat", first.Type)
	assert.Equal(t, types.SeverityHigh, first.Severity)
	assert.False(t, first.Persistent, "decisions are already enforced")
	assert.Equal(t, "net:203.0.113.50:crowdsecurity/ssh-bf", first.Signature())
	require.NotNil(t, first.Details.NetworkThreat)
	assert.Equal(t, "ban", first.Details.NetworkThreat.Action)
	assert.Equal(t, "CN", first.Details.NetworkThreat.Country)

	assert.Equal(t, "net:198.51.100.0/24:crowdsecurity/http-crawl", events[1].Signature())
}

func TestCrowdSecNullOutputIsSilent(t *testing.T) {
	for _, out := range []string{"null\n", "", "  \n"} {
		runner := &fakeRunner{outputs: map[string]string{defaultCrowdSecCommand: out}}
		a := NewCrowdSec(config.CrowdSecSource{}, runner.run)

		events, err := a.Poll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, events, "output %q", out)
	}
}

func TestCrowdSecParseFailure(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{defaultCrowdSecCommand: "cscli: command not found"}}
	a := NewCrowdSec(config.CrowdSecSource{}, runner.run)

	_, err := a.Poll(context.Background())
	require.Error(t, err)
}
