package main

import (
	"errors"
	"testing"
	"time"
)

func TestAwaitPipelineWaitsForRun(t *testing.T) {
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(finished)
		done <- nil
	}()

	if err := awaitPipeline(done, 2*time.Second); err != nil {
		t.Fatalf("awaitPipeline: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("awaitPipeline returned before the pipeline finished")
	}
}

func TestAwaitPipelineTimeout(t *testing.T) {
	done := make(chan error)
	start := time.Now()
	if err := awaitPipeline(done, 10*time.Millisecond); !errors.Is(err, errDrainTimeout) {
		t.Fatalf("err = %v, want drain timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("awaitPipeline ignored the timeout")
	}
}
