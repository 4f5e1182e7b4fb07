package procflip

import (
	"context"
	"os"
	"testing"
	"time"
)

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "procflip_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func testTimeoutC(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(5 * time.Second)
}
