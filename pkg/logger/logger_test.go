// KFRelay - WeCom customer-service to gateway relay
// Logger tests

package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// swapOutput points the global logger at a buffer for the duration of a
// test.
func swapOutput(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	mu.Lock()
	prev := log
	log = zerolog.New(zerolog.SyncWriter(buf)).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		log = prev
		mu.Unlock()
	})
}

func TestAllLevelsEmit(t *testing.T) {
	var buf bytes.Buffer
	swapOutput(t, &buf)

	DebugC("comp", "debug message")
	DebugCF("comp", "debug fields", map[string]any{"k": 1})
	InfoC("comp", "info message")
	InfoCF("comp", "info fields", map[string]any{"k": 2})
	WarnC("comp", "warn message")
	WarnCF("comp", "warn fields", map[string]any{"k": 3})
	ErrorC("comp", "error message")
	ErrorCF("comp", "error fields", map[string]any{"k": 4})

	out := buf.String()
	for _, want := range []string{
		"debug message", "info message", "warn message", "error message",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, `"component":"comp"`) {
		t.Errorf("component tag missing:\n%s", out)
	}
	if !strings.Contains(out, `"k":2`) {
		t.Errorf("structured field missing:\n%s", out)
	}
}

func TestInitLevelFiltering(t *testing.T) {
	Init("error")
	t.Cleanup(func() { Init("info") })

	var buf bytes.Buffer
	mu.Lock()
	log = zerolog.New(&buf).Level(log.GetLevel()).With().Timestamp().Logger()
	mu.Unlock()

	InfoC("comp", "should be filtered")
	ErrorC("comp", "should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Errorf("info emitted at error level:\n%s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("error missing at error level:\n%s", out)
	}
}

func TestConcurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	swapOutput(t, &buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				InfoCF("worker", "tick", map[string]any{"j": j})
			}
		}()
	}
	wg.Wait()
}
