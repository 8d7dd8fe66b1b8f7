package worker_test

import (
	"os"
	"testing"

	"github.com/jzx17/procsync/pkg/worker"
)

func TestMain(m *testing.M) {
	// worker processes of this test binary serve here and never reach m.Run
	worker.Init()
	os.Exit(m.Run())
}
