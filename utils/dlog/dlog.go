package dlog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Logger writes per-node log files so the interleaved output of an
// in-process cluster test can be read node by node afterwards.
type Logger struct {
	mu     sync.Mutex
	open   bool
	prefix string
	logs   map[uint64]*zap.Logger
}

func New(open bool, prefix string) *Logger {
	return &Logger{
		open:   open,
		prefix: prefix,
		logs:   make(map[uint64]*zap.Logger),
	}
}

func (l *Logger) Printf(node uint64, format string, a ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return
	}
	if _, ok := l.logs[node]; !ok {
		config := zap.NewDevelopmentConfig()
		config.OutputPaths = []string{fmt.Sprintf("%s_node_%d.log", l.prefix, node)}
		l.logs[node], _ = config.Build()
	}
	l.logs[node].Info(fmt.Sprintf(format, a...))
}
