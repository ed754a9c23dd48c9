package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Auth.ClientID = ""

	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestAppLifecycle(t *testing.T) {
	cfg := validConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Health.Schedule = "@every 1s"

	application, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	healthURL := "http://127.0.0.1:" + strconv.Itoa(int(cfg.Server.Port)) + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()

		var body struct {
			Status   string `json:"status"`
			SignedIn bool   `json:"signed_in"`
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status == "ok" && !body.SignedIn
	}, 5*time.Second, 20*time.Millisecond)

	// Let the probe run at least once
	time.Sleep(1100 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cfg := validConfig(t)
	cfg.Server.Port = uint16(ln.Addr().(*net.TCPAddr).Port)
	cfg.Health.Schedule = "none"

	application, err := New(cfg)
	require.NoError(t, err)

	err = application.Start(context.Background())
	assert.ErrorContains(t, err, "gateway startup failed")
}
