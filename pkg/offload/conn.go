package offload

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ha1tch/zlate/pkg/codec"
)

// Kind is the type of a Message.
type Kind uint8

const (
	// KindOpen starts job Job running Task with the message options.
	KindOpen Kind = iota + 1
	// KindPush carries input chunk Seq (counted from 1) of a job.
	KindPush
	// KindData carries output of a job. The last one has Final set and
	// carries the job's error, if any.
	KindData
	// KindTerminate abandons a job.
	KindTerminate
)

// Message is the envelope exchanged between a Registry and a worker.
type Message struct {
	Kind Kind   `cbor:"1,keyasint"`
	Job  uint64 `cbor:"2,keyasint"`
	Seq  uint64 `cbor:"3,keyasint,omitempty"`

	Task      Task   `cbor:"4,keyasint,omitempty"`
	Level     int    `cbor:"5,keyasint,omitempty"`
	MemLevel  int    `cbor:"6,keyasint,omitempty"`
	Container uint8  `cbor:"7,keyasint,omitempty"`
	Filename  string `cbor:"8,keyasint,omitempty"`
	Comment   string `cbor:"9,keyasint,omitempty"`
	ModTime   int64  `cbor:"10,keyasint,omitempty"`

	Data  []byte `cbor:"11,keyasint,omitempty"`
	Final bool   `cbor:"12,keyasint,omitempty"`
	Class uint8  `cbor:"13,keyasint,omitempty"`
	Error string `cbor:"14,keyasint,omitempty"`
}

func (m *Message) setOptions(opts codec.Options) {
	m.Level = opts.Level
	m.MemLevel = opts.MemLevel
	m.Container = uint8(opts.Container)
	m.Filename = opts.Filename
	m.Comment = opts.Comment
	if !opts.ModTime.IsZero() {
		m.ModTime = opts.ModTime.Unix()
	}
}

// Options returns the codec options carried by an open message.
func (m *Message) Options() codec.Options {
	opts := codec.Options{
		Level:     m.Level,
		MemLevel:  m.MemLevel,
		Container: codec.Container(m.Container),
		Filename:  m.Filename,
		Comment:   m.Comment,
	}
	if m.ModTime != 0 {
		opts.ModTime = time.Unix(m.ModTime, 0)
	}
	return opts
}

// Error classes on the wire. They map onto the codec taxonomy so that
// errors.Is keeps working on the far side.
const (
	classOther uint8 = iota + 1
	classMalformedHeader
	classCorruptStream
	classChecksumMismatch
	classUnsupported
	classProtocolMisuse
)

var classErrors = map[uint8]error{
	classMalformedHeader:  codec.ErrMalformedHeader,
	classCorruptStream:    codec.ErrCorruptStream,
	classChecksumMismatch: codec.ErrChecksumMismatch,
	classUnsupported:      codec.ErrUnsupported,
	classProtocolMisuse:   codec.ErrProtocolMisuse,
}

func (m *Message) setError(err error) {
	if err == nil {
		return
	}
	m.Error = err.Error()
	m.Class = classOther
	for class, target := range classErrors {
		if errors.Is(err, target) {
			m.Class = class
			break
		}
	}
}

// err rebuilds the error carried by m.
func (m *Message) err() error {
	if m.Class == 0 {
		return nil
	}
	return &remoteError{class: m.Class, msg: m.Error}
}

// remoteError is an error reported by a worker process.
type remoteError struct {
	class uint8
	msg   string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return classErrors[e.class] }

// Conn carries Messages between a Registry and a worker. Send and Recv
// may be called concurrently with each other; Send must be safe for
// concurrent use.
type Conn interface {
	Send(m *Message) error
	Recv() (*Message, error)
	Close() error
}

// pipeConn is one end of an in-process Conn. Messages are passed by
// pointer; the sender gives up the message and its Data.
type pipeConn struct {
	in   <-chan *Message
	out  chan<- *Message
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two ends of an in-process connection. Closing either
// end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan *Message, 64)
	ba := make(chan *Message, 64)
	done := make(chan struct{})
	once := new(sync.Once)
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) Send(m *Message) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Recv() (*Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("offload: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxByteStringLen: 64 << 20,
	}.DecMode()
	if err != nil {
		panic("offload: CBOR decoder initialization failed: " + err.Error())
	}
}

// streamConn frames Messages as a CBOR sequence over a byte stream.
type streamConn struct {
	rwc io.ReadWriteCloser
	enc *cbor.Encoder
	dec *cbor.Decoder
	mu  sync.Mutex
}

// NewStreamConn returns a Conn exchanging CBOR-encoded Messages over
// rwc, such as a worker process's stdin and stdout.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{
		rwc: rwc,
		enc: encMode.NewEncoder(rwc),
		dec: decMode.NewDecoder(rwc),
	}
}

func (s *streamConn) Send(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(m)
}

func (s *streamConn) Recv() (*Message, error) {
	var m Message
	if err := s.dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *streamConn) Close() error { return s.rwc.Close() }
