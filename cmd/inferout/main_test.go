package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/inferout/internal/cluster"
	"github.com/dreamware/inferout/internal/config"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestServingEndpoint(t *testing.T) {
	hostname := func() (string, error) { return "node-7", nil }
	tests := []struct {
		name string
		cfg  config.ServingConfig
		want string
	}{
		{
			name: "explicit endpoint wins",
			cfg:  config.ServingConfig{ListenConfig: config.ListenConfig{Host: "0.0.0.0", Port: 9510}, Endpoint: "http://lb:80"},
			want: "http://lb:80",
		},
		{
			name: "wildcard host uses hostname",
			cfg:  config.ServingConfig{ListenConfig: config.ListenConfig{Host: "0.0.0.0", Port: 9510}},
			want: "http://node-7:9510",
		},
		{
			name: "empty host uses hostname",
			cfg:  config.ServingConfig{ListenConfig: config.ListenConfig{Port: 9511}},
			want: "http://node-7:9511",
		},
		{
			name: "concrete host kept",
			cfg:  config.ServingConfig{ListenConfig: config.ListenConfig{Host: "10.0.0.5", Port: 9510}},
			want: "http://10.0.0.5:9510",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := servingEndpoint(tt.cfg, hostname)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := servingEndpoint(config.ServingConfig{}, func() (string, error) { return "", errors.New("no hostname") })
	assert.ErrorContains(t, err, "no hostname")
}

func TestBootstrapCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	args := []string{"bootstrap", "--cluster-name", "test", "--redis-url", "redis://" + mr.Addr()}

	require.NoError(t, execute(t, args...))
	assert.Equal(t, "test", mr.HGet("inferout::"+cluster.InfoKey, "name"))
	assert.Equal(t, cluster.BootstrapVersion, mr.HGet("inferout::"+cluster.InfoKey, "version"))

	// a second bootstrap leaves the identity alone
	require.NoError(t, execute(t, args...))

	require.NoError(t, execute(t, "bootstrap", "--cluster-name", "other", "--key-prefix", "alt", "--redis-url", "redis://"+mr.Addr()))
	assert.Equal(t, "other", mr.HGet("alt::"+cluster.InfoKey, "name"))
}

func TestBootstrapLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("inferout::lock::"+cluster.InfoKey, "someone-else"))

	err := execute(t, "bootstrap", "--cluster-name", "test", "--redis-url", "redis://"+mr.Addr())
	assert.ErrorContains(t, err, "another process is bootstrapping")
}

func TestCommandsValidateConfig(t *testing.T) {
	err := execute(t, "bootstrap", "--cluster-name", "test", "--redis-url", "http://localhost")
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "cluster.redis_url", verrs[0].Field)
}

func TestWorkerNeedsBootstrappedCluster(t *testing.T) {
	mr := miniredis.RunT(t)
	err := execute(t, "worker", "--cluster-name", "test", "--redis-url", "redis://"+mr.Addr())
	assert.ErrorIs(t, err, cluster.ErrInvalidCluster)
}
