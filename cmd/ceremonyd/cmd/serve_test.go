package cmd

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/server"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startDaemon runs serve until the returned stop function is called.
func startDaemon(t *testing.T, cfg *coordinator.Config) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, log.NewNopLogger())
	}()

	client := server.NewClient("http://"+cfg.API.ListenAddr, "")
	require.Eventually(t, func() bool {
		_, err := client.Health(context.Background())
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func TestServeResumesCeremonies(t *testing.T) {
	home := t.TempDir()
	cfg := coordinator.DefaultConfig(home)
	cfg.API.ListenAddr = freeAddr(t)
	cfg.API.OperatorSecret = testOperatorSecret
	cfg.Metrics.ListenAddr = freeAddr(t)
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())

	stop := startDaemon(t, &cfg)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Metrics.ListenAddr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	token, _, err := server.NewAuthService(testOperatorSecret, time.Hour).IssueToken("ops")
	require.NoError(t, err)
	operator := server.NewClient("http://"+cfg.API.ListenAddr, token)
	_, err = operator.Initialize(context.Background(), server.InitRequest{
		ID: "battle-daemon",
		Circuit: types.CircuitSpec{
			Name:        "battle",
			Constraints: 6,
			Version:     "1",
			PublishedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		},
		Beacon: types.RandomBeacon{
			Source:      "ethereum",
			BlockNumber: 21000000,
			BlockHash:   types.HashBytes([]byte("block 21000000")).String(),
			Timestamp:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	stop()

	stop = startDaemon(t, &cfg)
	defer stop()
	state, err := server.NewClient("http://"+cfg.API.ListenAddr, "").State(context.Background(), "battle-daemon")
	require.NoError(t, err)
	require.Equal(t, types.PhaseAwaitingContribution, state.Phase)
	require.Equal(t, uint64(1), state.Round)
}
