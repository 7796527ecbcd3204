package platform

import (
	"context"
	"log"
	"sync"
	"time"
)

// backgroundTaskTimeout bounds deferred work so a stuck cache write or event
// flush can never pin a worker.
const backgroundTaskTimeout = 30 * time.Second

// taskGroup runs deferred work in goroutines and tracks them for Drain.
// It implements the waitUntil semantics of platforms with native
// background-task support.
type taskGroup struct {
	wg sync.WaitGroup
}

func (g *taskGroup) waitUntil(task func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[platform] background task panicked: %v", p)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
		defer cancel()
		task(ctx)
	}()
}

func (g *taskGroup) drain() { g.wg.Wait() }

// runSync is the fallback for platforms without background-task support:
// the task completes before the call returns, trading response latency for
// the guarantee that the work is not dropped.
func runSync(task func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[platform] deferred task panicked: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
	defer cancel()
	task(ctx)
}
