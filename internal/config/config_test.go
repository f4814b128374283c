package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/domain"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(env(nil))
	require.NoError(t, err)

	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{DefaultSTUNURL}, cfg.ICEServers[0].URLs)
	assert.True(t, cfg.EnableEncryption)
	assert.True(t, cfg.EnableFeedback)
	assert.Equal(t, domain.CandidatePolicyAll, cfg.CandidatePolicy)
	assert.Equal(t, DefaultRingTimeout, cfg.RingTimeout)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.NoError(t, cfg.WebRTC().Validate())
}

func TestParseFullEnvironment(t *testing.T) {
	cfg, err := parse(env(map[string]string{
		"PEERCALL_IDENTITY":        "alice",
		"PEERCALL_SIGNAL_URL":      "wss://relay.example/ws",
		"PEERCALL_STUN_URLS":       "stun:a.example:3478, stun:b.example:3478",
		"PEERCALL_TURN_URLS":       "turn:t.example:3478?transport=udp",
		"PEERCALL_TURN_USERNAME":   "user",
		"PEERCALL_TURN_CREDENTIAL": "secret",
		"PEERCALL_ENCRYPTION":      "false",
		"PEERCALL_RTCP_FEEDBACK":   "0",
		"PEERCALL_ICE_POLICY":      "relay",
		"PEERCALL_RING_TIMEOUT":    "45s",
		"PEERCALL_DB_PATH":         "/tmp/calls.db",
		"LOG_LEVEL":                "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Identity)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "user", cfg.ICEServers[1].Username)
	assert.Equal(t, domain.CredentialPassword, cfg.ICEServers[1].CredentialType)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)

	w := cfg.WebRTC()
	assert.False(t, w.EnableEncryption)
	assert.False(t, w.EnableFeedback)
	assert.Equal(t, domain.CandidatePolicyRelay, w.CandidatePolicy)
	assert.NoError(t, w.Validate())
}

func TestParseRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"PEERCALL_ENCRYPTION":   "maybe",
		"PEERCALL_ICE_POLICY":   "host",
		"PEERCALL_RING_TIMEOUT": "soon",
		"LOG_LEVEL":             "TRACE",
	} {
		_, err := parse(env(map[string]string{key: value}))
		assert.Error(t, err, key)
	}
}

func TestLoadRequiresIdentityAndRelay(t *testing.T) {
	t.Setenv("PEERCALL_IDENTITY", "")
	t.Setenv("PEERCALL_SIGNAL_URL", "ws://localhost:8080/ws")
	_, err := Load()
	assert.ErrorContains(t, err, "PEERCALL_IDENTITY")

	t.Setenv("PEERCALL_IDENTITY", "bob")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logrus.Level{
		"":      logrus.InfoLevel,
		"WARN":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"Debug": logrus.DebugLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestValidateRelayPolicyNeedsTURN(t *testing.T) {
	cfg, err := parse(env(map[string]string{
		"PEERCALL_IDENTITY":   "alice",
		"PEERCALL_SIGNAL_URL": "ws://relay",
		"PEERCALL_ICE_POLICY": "relay",
	}))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "turn")

	cfg.ICEServers = append(cfg.ICEServers, domain.ICEServerConfig{
		URLs: []string{"turn:t.example"}, Username: "u", Credential: "p",
	})
	assert.NoError(t, cfg.Validate())
}
