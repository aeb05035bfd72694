// Command zrcompact runs an offline compaction: it replays the log
// into an application state machine loaded from a Go plugin, writes
// the snapshot, and prunes the covered segments.
//
// Exit codes: 1 fatal, 2 missing target, 3 missing state machine,
// 4 missing index/peer, 5 index not present in log, 6 state machine
// lacks serialization, 7 invalid compression level, 8 missing data
// root.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"plugin"

	"github.com/jcalfee/node-zmq-raft/client"
	"github.com/jcalfee/node-zmq-raft/server"
	"github.com/jcalfee/node-zmq-raft/utils"
	"github.com/jcalfee/node-zmq-raft/wal"
)

const (
	exitFatal = 1 + iota
	exitMissingTarget
	exitMissingStateMachine
	exitMissingIndex
	exitIndexNotInLog
	exitNoSerialization
	exitBadCompression
	exitMissingDataRoot
)

func main() {
	var (
		target   = flag.String("target", "", "snapshot file to produce")
		smPath   = flag.String("state-machine", "", "plugin exposing the application state machine")
		index    = flag.Uint64("index", 0, "compaction index")
		peerURL  = flag.String("peer", "", "peer to derive the compaction index from")
		dataDir  = flag.String("data", "", "data root directory")
		logDir   = flag.String("log", "", "override log directory")
		snapPath = flag.String("snapshot", "", "override current snapshot path")
		level    = flag.Int("compression", 0, "gzip level 0..9")
	)
	flag.Parse()

	if *target == "" {
		fail(exitMissingTarget, "missing -target")
	}
	if *smPath == "" {
		fail(exitMissingStateMachine, "missing -state-machine")
	}
	if *level < 0 || *level > 9 {
		fail(exitBadCompression, "compression level %d out of [0, 9]", *level)
	}
	if *dataDir == "" && (*logDir == "" || *snapPath == "") {
		fail(exitMissingDataRoot, "missing -data (or -log and -snapshot overrides)")
	}
	if *logDir == "" {
		*logDir = filepath.Join(*dataDir, "log")
	}
	if *snapPath == "" {
		*snapPath = filepath.Join(*dataDir, "snap")
	}

	sm := loadStateMachine(*smPath)

	if *index == 0 {
		if *peerURL == "" {
			fail(exitMissingIndex, "need -index or -peer")
		}
		*index = indexFromPeer(*peerURL)
	}

	err := server.RunCompaction(sm, server.CompactionOptions{
		LogDir:           *logDir,
		SnapshotPath:     *snapPath,
		TargetPath:       *target,
		TargetIndex:      *index,
		CompressionLevel: *level,
	})
	switch {
	case err == nil:
	case errors.Is(err, server.ErrIndexNotInLog):
		fail(exitIndexNotInLog, "%v", err)
	case errors.Is(err, server.ErrNoSerialization):
		fail(exitNoSerialization, "%v", err)
	case errors.Is(err, server.ErrBadCompression):
		fail(exitBadCompression, "%v", err)
	default:
		fail(exitFatal, "%v", err)
	}
}

// loadStateMachine open the plugin and resolve its StateMachine
// symbol.
func loadStateMachine(path string) wal.StateMachine {
	p, err := plugin.Open(path)
	if err != nil {
		fail(exitMissingStateMachine, "open %s: %v", path, err)
	}
	sym, err := p.Lookup("StateMachine")
	if err != nil {
		fail(exitMissingStateMachine, "%s has no StateMachine symbol", path)
	}
	sm, ok := sym.(wal.StateMachine)
	if !ok {
		if ptr, ok2 := sym.(*wal.StateMachine); ok2 {
			sm, ok = *ptr, true
		}
		if !ok {
			fail(exitMissingStateMachine, "%s StateMachine has wrong type", path)
		}
	}
	if _, ok := sm.(server.SnapshotCapable); !ok {
		fail(exitNoSerialization, "%s state machine cannot serialize", path)
	}
	return sm
}

// indexFromPeer derive the compaction index as min(commit, prune)
// reported by a live peer.
func indexFromPeer(url string) uint64 {
	cl, err := client.MakeClient(client.Options{Peers: []string{url}})
	if err != nil {
		fail(exitMissingIndex, "%v", err)
	}
	defer cl.Close()

	info, err := cl.RequestLogInfo(context.Background(), true)
	if err != nil {
		fail(exitMissingIndex, "peer %s: %v", url, err)
	}
	return utils.MinUint64(info.CommitIndex, info.PruneIndex)
}

func fail(code int, format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "zrcompact: "+format+"\n", a...)
	os.Exit(code)
}
