package tftpclient

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/metrics"
	"github.com/pxecore/transferd/internal/ratelimit"
	"github.com/pxecore/transferd/internal/tftp"
)

func TestParseBlksize(t *testing.T) {
	n, err := parseBlksize("")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = parseBlksize("1024")
	require.NoError(t, err)
	require.Equal(t, 1024, n)

	_, err = parseBlksize("not-a-number")
	require.Error(t, err)
}

func TestEffectiveBlksize(t *testing.T) {
	require.Equal(t, 512, effectiveBlksize(0))
	require.Equal(t, 1024, effectiveBlksize(1024))
}

func startTestTFTPServer(t *testing.T) (root string, addr string) {
	t.Helper()
	root = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hello from transferd"), 0o644))

	cfg := tftp.DefaultConfig()
	cfg.RootDir = root
	cfg.BindAddr = "127.0.0.1:0"
	cfg.WriteConfig = tftp.WriteConfig{
		Enabled:         true,
		AllowOverwrite:  true,
		AllowedPatterns: []string{"uploads/.*"},
	}

	srv, err := tftp.NewServer(cfg, audit.NewSink("tftpd-test"), metrics.NewTFTP(), ratelimit.New(ratelimit.Config{
		MaxAttempts:     100,
		Window:          time.Minute,
		LockoutDuration: time.Minute,
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	select {
	case <-srv.WaitReady():
	case <-time.After(2 * time.Second):
		t.Fatal("tftp server never became ready")
	}

	return root, srv.ListenAddr()
}

func TestTftpGetFetchesExistingFile(t *testing.T) {
	_, addr := startTestTFTPServer(t)

	localPath := filepath.Join(t.TempDir(), "greeting.txt")
	cmd := &cobra.Command{}
	err := runGet(cmd, []string{addr, "greeting.txt", localPath})
	require.NoError(t, err)

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, "hello from transferd", string(data))
}

func TestTftpPutUploadsFileAllowedByWritePolicy(t *testing.T) {
	root, addr := startTestTFTPServer(t)

	localPath := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(localPath, []byte("some firmware bytes"), 0o644))

	cmd := &cobra.Command{}
	err := runPut(cmd, []string{addr, localPath, "uploads/image.bin"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "uploads", "image.bin"))
	require.NoError(t, err)
	require.Equal(t, "some firmware bytes", string(data))
}
