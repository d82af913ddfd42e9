// Command libproctraffic builds the C shared library:
//
//	go build -buildmode=c-shared -o libproctraffic.so ./cmd/libproctraffic
package main

/*
#cgo CFLAGS: -DPROCTRAFFIC_NO_PROTOTYPES
#include <stdlib.h>
#include "proctraffic.h"

static inline void call_take_callback(take_callback cb, ProcessStatistics stats) {
	if (cb != NULL) {
		cb(stats);
	}
}
*/
import "C"

import (
	"context"
	"sync"
	"unsafe"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/exporter"
	"github.com/jinmuyano/proctraffic/logutil"
	"github.com/jinmuyano/proctraffic/netflow"
	"go.uber.org/zap"
)

const schemaVersion = 3

var (
	mu       sync.Mutex
	session  *netflow.Session
	startErr error // 上次启动失败的原因, take 不再重试
	logOnce  sync.Once
	issued   = newRegistry()
	fallback = exporter.New(emptySource{})

	newSession = startSession
)

func main() {}

// taker is a source of owned snapshots, a session or the empty fallback.
type taker interface {
	Take(fn func(*exporter.Handle))
}

// defaultSession starts the process wide session on first use, config comes
// from the PROCTRAFFIC_* environment. A failed start is remembered and only
// retried when retry is set.
func defaultSession(retry bool) (*netflow.Session, error) {
	mu.Lock()
	defer mu.Unlock()

	if session != nil {
		return session, nil
	}
	if startErr != nil && !retry {
		return nil, startErr
	}

	s, err := newSession()
	if err != nil {
		startErr = err
		return nil, err
	}
	session, startErr = s, nil
	return s, nil
}

func startSession() (*netflow.Session, error) {
	conf, err := netflow.LoadConfigFromEnv(netflow.DefaultEnvPrefix, netflow.NewConfig())
	if err != nil {
		return nil, err
	}
	logOnce.Do(func() {
		logutil.InitLogger(conf.Debug)
	})

	s, err := netflow.NewSession(conf)
	if err != nil {
		return nil, err
	}
	if err := s.Start(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

//export traffic_start
func traffic_start() C.int {
	if _, err := defaultSession(true); err != nil {
		logutil.GetLogger().Error("start traffic session failed", zap.Error(err))
		return -1
	}
	return 0
}

// traffic_stop keeps the issued arrays valid, they still have to be freed.
//
//export traffic_stop
func traffic_stop() {
	mu.Lock()
	s := session
	session, startErr = nil, nil
	mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Stop(); err != nil {
		logutil.GetLogger().Warn("stop traffic session", zap.Error(err))
	}
}

//export traffic_schema_version
func traffic_schema_version() C.int {
	return C.int(schemaVersion)
}

//export take
func take(cb C.take_callback) {
	var src taker = fallback
	if s, err := defaultSession(false); err != nil {
		logutil.GetLogger().Error("capture unavailable, returning an empty snapshot", zap.Error(err))
	} else {
		src = s
	}

	C.call_take_callback(cb, takeStatistics(src))
}

// takeStatistics takes one snapshot from src and copies it to C memory. The
// handle stays outstanding until free_data is called with the returned list.
func takeStatistics(src taker) C.ProcessStatistics {
	var stats C.ProcessStatistics

	src.Take(func(h *exporter.Handle) {
		snap, err := h.Snapshot()
		if err != nil {
			logutil.GetLogger().Error("read snapshot failed", zap.Error(err))
		}
		stats = toStatistics(snap)
		if stats.list == nil {
			h.Release()
			return
		}
		issued.add(uintptr(unsafe.Pointer(stats.list)), h)
	})
	return stats
}

//export free_data
func free_data(stats C.ProcessStatistics) {
	if stats.list == nil {
		return
	}

	ptr := uintptr(unsafe.Pointer(stats.list))
	h, ok := issued.remove(ptr)
	if !ok {
		logutil.GetLogger().Warn("free_data called with an array not issued by take or already freed",
			zap.Uintptr("list", ptr))
		return
	}
	h.Release()
	C.free(unsafe.Pointer(stats.list))
}

// free_array is the name older consumers link against.
//
//export free_array
func free_array(stats C.ProcessStatistics) {
	free_data(stats)
}

// toStatistics copies the snapshot into C memory, the Go heap never crosses the boundary.
func toStatistics(snap ptraffic.Snapshot) C.ProcessStatistics {
	stats := C.ProcessStatistics{
		length:             C.uintptr_t(len(snap.Entries)),
		total_upload:       C.uint64_t(snap.TotalUpload),
		total_download:     C.uint64_t(snap.TotalDownload),
		elapse_millisecond: C.uint64_t(snap.Elapsed.Milliseconds()),
	}
	if len(snap.Entries) == 0 {
		return stats
	}

	size := C.size_t(len(snap.Entries)) * C.size_t(unsafe.Sizeof(C.ProcessPacketLength{}))
	ptr := C.malloc(size)
	if ptr == nil {
		panic("proctraffic: out of memory")
	}

	list := unsafe.Slice((*C.ProcessPacketLength)(ptr), len(snap.Entries))
	for i, e := range snap.Entries {
		list[i] = C.ProcessPacketLength{
			pid:             C.uint32_t(e.PID),
			upload_length:   C.uintptr_t(e.Upload),
			download_length: C.uintptr_t(e.Download),
		}
	}
	stats.list = (*C.ProcessPacketLength)(ptr)
	return stats
}
