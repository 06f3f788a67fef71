package gateway

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Line is one line of gateway output.
type Line struct {
	Seq    int64     `json:"seq"`
	At     time.Time `json:"at"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// OutputStats describes the ring's fill level.
type OutputStats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	MaxSize   int64 `json:"max_size"`
	Dropped   int64 `json:"dropped"`
}

// OutputLog keeps the most recent gateway output lines in a bounded ring and
// fans new lines out to subscribers.
type OutputLog struct {
	mu      sync.RWMutex
	lines   []Line
	maxSize int
	head    int   // next write position
	count   int64 // total lines written

	subs    map[int]chan Line
	nextSub int
}

// NewOutputLog creates a ring holding maxSize lines.
func NewOutputLog(maxSize int) *OutputLog {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &OutputLog{
		lines:   make([]Line, maxSize),
		maxSize: maxSize,
		subs:    make(map[int]chan Line),
	}
}

// Append records a line and delivers it to subscribers. Slow subscribers
// miss lines rather than block the gateway's output pipe.
func (o *OutputLog) Append(stream, text string) Line {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.count++
	line := Line{Seq: o.count, At: time.Now(), Stream: stream, Text: text}
	o.lines[o.head] = line
	o.head = (o.head + 1) % o.maxSize

	for _, ch := range o.subs {
		select {
		case ch <- line:
		default:
		}
	}
	return line
}

// Tail returns up to n of the most recent lines, oldest first. n <= 0 returns
// everything retained.
func (o *OutputLog) Tail(n int) []Line {
	o.mu.RLock()
	defer o.mu.RUnlock()

	available := int(min(o.count, int64(o.maxSize)))
	if n <= 0 || n > available {
		n = available
	}
	out := make([]Line, 0, n)
	start := (o.head - n + o.maxSize) % o.maxSize
	for i := 0; i < n; i++ {
		out = append(out, o.lines[(start+i)%o.maxSize])
	}
	return out
}

// Text returns the last n lines joined with newlines.
func (o *OutputLog) Text(n int) string {
	lines := o.Tail(n)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Subscribe returns a channel of new lines and a function that cancels the
// subscription and closes the channel.
func (o *OutputLog) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Line, buffer)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Stats returns ring statistics.
func (o *OutputLog) Stats() OutputStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return OutputStats{
		Total:     o.count,
		Available: min(o.count, int64(o.maxSize)),
		MaxSize:   int64(o.maxSize),
		Dropped:   max(0, o.count-int64(o.maxSize)),
	}
}

// Writer returns an io.WriteCloser that splits what the gateway writes into
// lines, appends them to the ring and logs them with a [gateway] prefix.
// Close flushes a trailing partial line.
func (o *OutputLog) Writer(stream string, logger logrus.FieldLogger) io.WriteCloser {
	return &lineWriter{out: o, stream: stream, log: logger}
}

type lineWriter struct {
	mu     sync.Mutex
	out    *OutputLog
	stream string
	log    logrus.FieldLogger
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	// Guard against a child that never writes a newline.
	if w.buf.Len() > 64*1024 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *lineWriter) emit(text string) {
	w.out.Append(w.stream, text)
	if w.log == nil {
		return
	}
	entry := w.log.WithField("stream", w.stream)
	if w.stream == "stderr" {
		entry.Warnf("[gateway] %s", text)
		return
	}
	entry.Infof("[gateway] %s", text)
}
