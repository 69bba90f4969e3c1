package macro

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/soloxyq/pyahk/internal/logx"
)

// actionCounter persists the executor's processed-action count to disk
// with a throttled write-back, so the total survives restarts without
// putting disk I/O on the tick goroutine.
type actionCounter struct {
	file      *os.File
	lastWrite time.Time
	count     int
	inc       chan struct{}
	missed    int64 // increments that found inc full; folded into count by increment
}

// newActionCounter opens path for read-write, parsing any existing
// count so a restart resumes instead of resetting to zero. An empty
// path yields a no-op counter.
func newActionCounter(path string) (actionCounter, error) {
	if path == "" {
		return actionCounter{}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return actionCounter{}, fmt.Errorf("macro: open action count file: %w", err)
	}
	buf := make([]byte, 32)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		_ = file.Close()
		return actionCounter{}, fmt.Errorf("macro: read action count file: %w", err)
	}
	count := 0
	if n != 0 {
		count, err = strconv.Atoi(strings.TrimSpace(string(buf[:n])))
		if err != nil {
			_ = file.Close()
			return actionCounter{}, fmt.Errorf("macro: parse action count: %w", err)
		}
	}
	return actionCounter{file: file, lastWrite: time.Now(), count: count, inc: make(chan struct{}, 256)}, nil
}

// Increment signals one more action was executed. Safe to call from
// the executor's tick goroutine; it never blocks the caller on disk
// I/O since the channel is buffered and drained by Run.
func (c *actionCounter) Increment() {
	if c.inc == nil {
		return
	}
	select {
	case c.inc <- struct{}{}:
	default: // counter goroutine is behind; the total still advances on next write
		atomic.AddInt64(&c.missed, 1)
	}
}

func (c *actionCounter) increment() {
	c.count += 1 + int(atomic.SwapInt64(&c.missed, 0))
	if time.Since(c.lastWrite) > time.Second {
		c.write()
	}
}

func (c *actionCounter) write() {
	buf := []byte(strconv.Itoa(c.count))
	if _, err := c.file.Seek(0, 0); err != nil {
		logx.Error("macro: action counter seek failed: %s", err)
		return
	}
	if err := c.file.Truncate(int64(len(buf))); err != nil {
		logx.Error("macro: action counter truncate failed: %s", err)
	}
	if n, err := c.file.Write(buf); err != nil {
		logx.Error("macro: action counter write failed: %s", err)
	} else if n != len(buf) {
		logx.Error("macro: action counter write failed: not a full write (%d/%d)", n, len(buf))
	}
	c.lastWrite = time.Now()
}

// Run drains increments until ctx is cancelled, flushing the final
// count to disk on exit. A no-op counter (inc == nil) returns
// immediately.
func (c *actionCounter) Run(ctx context.Context) {
	if c.inc == nil {
		return
	}
	defer func() {
		c.write()
		if err := c.file.Close(); err != nil {
			logx.Warn("macro: action counter close failed: %s (count: %d)", err, c.count)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			drain := true
			for drain {
				select {
				case <-c.inc:
					c.increment()
				default:
					drain = false
				}
			}
			return
		case <-c.inc:
			c.increment()
		}
	}
}
