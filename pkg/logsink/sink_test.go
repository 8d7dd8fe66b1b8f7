package logsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/procsync/internal/testutils"
)

func TestSinkWritesRecords(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, nil)

	logger := sink.Logger()
	logger.Info("started", "worker", 3)
	logger.Debug("hidden")
	logger.Warn("slow task", slog.Duration("took", 2*time.Second))

	require.NoError(t, sink.Close())

	out := buf.String()
	assert.Contains(t, out, "msg=started")
	assert.Contains(t, out, "worker=3")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "took=2s")
	assert.NotContains(t, out, "hidden")
}

func TestSinkJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, &Config{Format: FormatJSON, Level: slog.LevelDebug})

	require.NoError(t, sink.Submit(Record{
		Time:    time.Now(),
		Level:   slog.LevelDebug,
		Message: "from worker",
		Attrs:   []Attr{{Key: "task", Value: "7"}},
		Source:  "worker-2",
	}))
	require.NoError(t, sink.Close())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "from worker", line["msg"])
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, "worker-2", line[SourceKey])
	assert.Equal(t, "7", line["task"])
}

func TestSinkConcurrentProducers(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, &Config{BufferSize: 4})

	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			logger := slog.New(sink.Handler().WithSource(fmt.Sprintf("worker-%d", p)))
			for i := 0; i < perProducer; i++ {
				logger.Info("tick", "seq", i, "payload", strings.Repeat("x", 64))
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	lines := 0
	lastSeq := make(map[string]int)
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := scanner.Text()
		lines++
		require.True(t, strings.HasSuffix(line, strings.Repeat("x", 64)), "corrupted line: %q", line)

		var source string
		var seq int
		for _, field := range strings.Fields(line) {
			switch {
			case strings.HasPrefix(field, "source="):
				source = strings.TrimPrefix(field, "source=")
			case strings.HasPrefix(field, "seq="):
				_, err := fmt.Sscanf(field, "seq=%d", &seq)
				require.NoError(t, err)
			}
		}
		if prev, ok := lastSeq[source]; ok {
			assert.Greater(t, seq, prev, "records of one producer must keep their order")
		}
		lastSeq[source] = seq
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, producers*perProducer, lines)
	assert.Len(t, lastSeq, producers)
}

func TestSinkSubmitAfterClose(t *testing.T) {
	sink := New(&bytes.Buffer{}, nil)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err := sink.Submit(Record{Message: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSinkTee(t *testing.T) {
	var dest, tee bytes.Buffer
	sink := New(&dest, &Config{Tee: &tee})
	sink.Logger().Info("copied")
	require.NoError(t, sink.Close())

	assert.Contains(t, dest.String(), "msg=copied")
	assert.Equal(t, dest.String(), tee.String())
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.log")

	sink, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, sink.Path())
	sink.Logger().Info("first")
	require.NoError(t, sink.Close())

	sink, err = Open(path, nil)
	require.NoError(t, err)
	sink.Logger().Info("second")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=first")
	assert.Contains(t, string(data), "msg=second")
}

func TestOpenDated(t *testing.T) {
	mClock := testutils.NewMockClock(t)
	root := t.TempDir()
	cfg := &Config{Clock: testutils.NewClockWrapper(mClock)}

	sink, err := OpenDated(root, "train", cfg)
	require.NoError(t, err)
	defer sink.Close()

	now := mClock.Now()
	expected := filepath.Join(root, "logs", "logs-"+now.Format("02-01-2006"),
		fmt.Sprintf("train-%d.log", now.UnixNano()))
	assert.Equal(t, expected, sink.Path())
	assert.FileExists(t, expected)

	_, err = OpenDated(root, "", cfg)
	assert.Error(t, err)
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "text", FormatText.String())
	assert.Equal(t, "json", FormatJSON.String())
	assert.Equal(t, "unknown", Format(9).String())
}
