package main

import (
	"context"
	"net"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand_ListenErrorIsWrapped(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck

	prevCfg, prevPort := cfg, servePort
	t.Cleanup(func() { cfg, servePort = prevCfg, prevPort })
	cfg = testConfig(t, "sqlite")
	servePort = ln.Addr().(*net.TCPAddr).Port

	serveCmd.SetContext(context.Background())
	err = serveCmd.RunE(serveCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve")

	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
	assert.IsType(t, &net.OpError{}, eris.Cause(err))
}
