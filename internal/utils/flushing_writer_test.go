package utils_test

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shibzuko/ciflow/internal/utils"
)

type failingStepSink struct {
	received bytes.Buffer
	flushes  int
}

func (sink *failingStepSink) Write(data []byte) (int, error) {
	return sink.received.Write(data)
}

func (sink *failingStepSink) Flush() error {
	sink.flushes++
	return errors.New("terminal detached")
}

func TestFlushingWriterStreamsBufferedStepOutput(testInstance *testing.T) {
	terminal := &bytes.Buffer{}
	buffered := bufio.NewWriterSize(terminal, 4096)
	writer := utils.NewFlushingWriter(buffered)

	for _, line := range []string{"[build] go vet ./...\n", "[build] ok\n"} {
		written, writeError := writer.Write([]byte(line))
		require.NoError(testInstance, writeError)
		require.Equal(testInstance, len(line), written)
	}

	require.Equal(testInstance, "[build] go vet ./...\n[build] ok\n", terminal.String())
	require.Zero(testInstance, buffered.Buffered())
}

func TestFlushingWriterReportsFlushFailures(testInstance *testing.T) {
	sink := &failingStepSink{}
	writer := utils.NewFlushingWriter(sink)

	written, writeError := writer.Write([]byte("step summary"))
	require.EqualError(testInstance, writeError, "terminal detached")
	require.Equal(testInstance, len("step summary"), written)
	require.Equal(testInstance, "step summary", sink.received.String())
	require.Equal(testInstance, 1, sink.flushes)
}

func TestFlushingWriterReturnsPlainWritersUnchanged(testInstance *testing.T) {
	plain := &bytes.Buffer{}
	require.Same(testInstance, plain, utils.NewFlushingWriter(plain))
}
