// Package testutils holds fakes and assertion helpers shared by package tests:
// an in-memory BLE connection that records writes and replays reader
// notifications, plus JSON and text diff assertions.
package testutils

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a captured debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewTestLogger(t),
	}
}

// NewTestLogger returns a debug-level logger bound to t. Output is buffered and
// only printed when the test fails; writes after the test ends are kept in the buffer.
func NewTestLogger(t testing.TB) *logrus.Logger {
	buf := &syncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured log:\n%s", buf.String())
		}
	})
	return logger
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msgAndArgs ...any) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cond() {
		return true
	}
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			t.Errorf("condition not met within %v: "+format, append([]any{timeout}, msgAndArgs[1:]...)...)
			return false
		}
	}
	t.Errorf("condition not met within %v", timeout)
	return false
}
