package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type sink struct {
	once sync.Once
	ch   chan string
}

var (
	global  sink
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("KADNET_DEBUG") == "1"
}

func (s *sink) start() {
	s.once.Do(func() {
		s.ch = make(chan string, queueSize)
		go func() {
			for msg := range s.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

func (s *sink) write(msg string) {
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	s.start()
	select {
	case s.ch <- msg:
	default:
		// Drop when saturated to keep network goroutines non-blocking in debug mode.
	}
}

// Logger tags output with a component name. Zero value logs untagged.
type Logger struct {
	name string
}

func Get(name string) Logger {
	return Logger{name: name}
}

func (l Logger) format(format string, args ...any) string {
	if l.name == "" {
		return fmt.Sprintf(format+"\n", args...)
	}
	return fmt.Sprintf("["+l.name+"] "+format+"\n", args...)
}

func (l Logger) Infof(format string, args ...any) {
	global.write(l.format(format, args...))
}

func (l Logger) Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	global.write(l.format(format, args...))
}

// RateLimitedf drops repeats of key inside interval; noisy per-packet
// paths use it so a misbehaving peer cannot flood the log.
func (l Logger) RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	global.write(l.format(format, args...))
}

var root Logger

func Logf(format string, args ...any) {
	root.Infof(format, args...)
}

func Debugf(format string, args ...any) {
	root.Debugf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	root.RateLimitedf(key, interval, format, args...)
}
