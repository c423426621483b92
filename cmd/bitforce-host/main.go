// Hasher: Neural Inference Engine Powered by SHA-256 ASICs
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"bitforce-driver/internal/driver/bitforce"
	"bitforce-driver/internal/driver/host"
)

var (
	hints       = flag.String("hints", "", "comma-separated extra serial paths to probe in addition to the glob patterns")
	rangeMode   = flag.Bool("range-mode", true, "attempt nonce-range jobs before falling back to full-range")
	rescanEvery = flag.Duration("rescan-every", 30*time.Second, "how often to re-run device detection for newly attached devices")
	statusEvery = flag.Duration("status-every", 10*time.Second, "how often to log each device's status line")
)

func main() {
	flag.Parse()

	var hintList []string
	for _, h := range strings.Split(*hints, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hintList = append(hintList, h)
		}
	}

	var hwErrors atomic.Uint64
	opts := bitforce.SessionOptions{
		RangeMode:    *rangeMode,
		GlobalErrors: &hwErrors,
		Logger:       bitforce.DefaultLogger(),
		Reporter:     logReporter{},
		Sink:         logSink{},
	}

	enumerator := host.NewPortEnumerator(hintList...)
	adapter := host.NewAdapter(enumerator, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	started := make(map[string]bool)
	var startedMu sync.Mutex

	rescan := time.NewTicker(*rescanEvery)
	defer rescan.Stop()

	log.Printf("bitforce-host: starting, range-mode=%v", *rangeMode)
	runDetect(ctx, adapter, &wg, started, &startedMu)

	for {
		select {
		case <-ctx.Done():
			log.Printf("bitforce-host: shutting down")
			wg.Wait()
			for _, sess := range adapter.Sessions() {
				sess.Shutdown()
			}
			return
		case <-rescan.C:
			runDetect(ctx, adapter, &wg, started, &startedMu)
		}
	}
}

// runDetect probes for newly attached devices and spins up a worker for
// each one not already running.
func runDetect(ctx context.Context, adapter *host.Adapter, wg *sync.WaitGroup, started map[string]bool, startedMu *sync.Mutex) {
	found, err := adapter.Detect()
	if err != nil {
		log.Printf("bitforce-host: detect: %v", err)
		return
	}
	for i, sess := range found {
		startedMu.Lock()
		already := started[sess.DevicePath]
		started[sess.DevicePath] = true
		startedMu.Unlock()
		if already {
			continue
		}
		log.Printf("bitforce-host: found %s (%s)", sess.DevicePath, sess.Name)

		wg.Add(1)
		go func(path string, workerIndex int) {
			defer wg.Done()
			runWorker(ctx, adapter, path, workerIndex)
		}(sess.DevicePath, i)
	}
}

// runWorker drives one device's scan loop until ctx is cancelled. Work
// comes from a synthetic generator standing in for the real work-queue
// collaborator, which is out of this driver's scope.
func runWorker(ctx context.Context, adapter *host.Adapter, path string, workerIndex int) {
	adapter.ThreadInit(workerIndex)
	if err := adapter.Prepare(path); err != nil {
		log.Printf("bitforce-host: %s: prepare: %v", path, err)
		return
	}

	status := time.NewTicker(*statusEvery)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			if line, err := adapter.StatusLine(path); err == nil {
				log.Printf("bitforce-host: %s", line)
			}
		default:
		}

		var midstate [32]byte
		var data [128]byte
		rand.Read(midstate[:])
		rand.Read(data[:])

		// StartingNonce begins at 0 for each new header candidate; in
		// range mode the driver itself advances it past each slice it
		// programs. This loop scans each synthetic Work once, so in range
		// mode only its first slice is searched before a fresh candidate
		// replaces it.
		work := &bitforce.Work{
			Midstate:      midstate,
			Data:          data,
			StartingNonce: 0,
			IsStale: func() bool {
				select {
				case <-ctx.Done():
					return true
				default:
					return false
				}
			},
		}

		if _, err := adapter.Scan(path, work); err != nil {
			log.Printf("bitforce-host: %s: scan: %v", path, err)
			return
		}
	}
}

type logReporter struct{}

func (logReporter) Comms(path string)    { log.Printf("bitforce-host: %s: communication failure", path) }
func (logReporter) Throttle(path string) { log.Printf("bitforce-host: %s: throttle event", path) }
func (logReporter) Overheat(path string) { log.Printf("bitforce-host: %s: overtime/overheat", path) }

type logSink struct{}

func (logSink) SubmitNonce(path string, nonce uint32) {
	log.Printf("bitforce-host: %s: nonce %08x", path, nonce)
}
