package utils

import "io"

type flusher interface {
	Flush() error
}

type flushingWriter struct {
	writer  io.Writer
	flusher flusher
}

// NewFlushingWriter flushes writer after every write when it supports flushing.
func NewFlushingWriter(writer io.Writer) io.Writer {
	flushable, supportsFlush := writer.(flusher)
	if !supportsFlush {
		return writer
	}
	return flushingWriter{writer: writer, flusher: flushable}
}

func (writer flushingWriter) Write(data []byte) (int, error) {
	bytesWritten, writeError := writer.writer.Write(data)
	if writeError != nil {
		return bytesWritten, writeError
	}
	return bytesWritten, writer.flusher.Flush()
}
