// Package offload runs codec streams away from the caller: on a worker
// goroutine, or in a worker process reached over a byte stream.
//
// Work is named by a Task rather than shipped as code. A Registry maps
// each Task to a factory, starts Workers and tracks them until they
// finish or are terminated. Results come back through a Callback in the
// order the input was pushed.
package offload

import (
	"fmt"

	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/container"
)

// Task names a codec operation a worker can run.
type Task uint8

const (
	TaskDeflate Task = iota + 1
	TaskInflate
	TaskGzip
	TaskGunzip
	TaskZlib
	TaskUnzlib
	// TaskZip wraps the input as the single entry of a ZIP archive.
	TaskZip
	TaskUnzip
	// TaskDecompress detects gzip, zlib, ZIP or raw DEFLATE input.
	TaskDecompress
)

var taskNames = map[Task]string{
	TaskDeflate:    "deflate",
	TaskInflate:    "inflate",
	TaskGzip:       "gzip",
	TaskGunzip:     "gunzip",
	TaskZlib:       "zlib",
	TaskUnzlib:     "unzlib",
	TaskZip:        "zip",
	TaskUnzip:      "unzip",
	TaskDecompress: "decompress",
}

func (t Task) String() string {
	if name, ok := taskNames[t]; ok {
		return name
	}
	return fmt.Sprintf("task(%d)", uint8(t))
}

// ParseTask parses the name returned by Task.String.
func ParseTask(name string) (Task, error) {
	for t, n := range taskNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown task %q", codec.ErrUnsupported, name)
}

// Factory creates the stream behind a Task.
type Factory func(opts codec.Options, sink codec.Sink) (codec.Stream, error)

func encoderFor(c codec.Container) Factory {
	return func(opts codec.Options, sink codec.Sink) (codec.Stream, error) {
		opts.Container = c
		return container.NewEncoder(opts, sink)
	}
}

func decoderFor(c codec.Container) Factory {
	return func(_ codec.Options, sink codec.Sink) (codec.Stream, error) {
		return container.NewDecoderFor(c, sink)
	}
}

// defaultFactories returns the built-in task table.
func defaultFactories() map[Task]Factory {
	return map[Task]Factory{
		TaskDeflate:    encoderFor(codec.ContainerRaw),
		TaskInflate:    decoderFor(codec.ContainerRaw),
		TaskGzip:       encoderFor(codec.ContainerGzip),
		TaskGunzip:     decoderFor(codec.ContainerGzip),
		TaskZlib:       encoderFor(codec.ContainerZlib),
		TaskUnzlib:     decoderFor(codec.ContainerZlib),
		TaskZip:        encoderFor(codec.ContainerZipEntry),
		TaskUnzip:      decoderFor(codec.ContainerZipEntry),
		TaskDecompress: decoderFor(codec.ContainerAuto),
	}
}
