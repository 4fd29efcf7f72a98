// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cron runs named jobs at fixed intervals.
package cron

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type cronjob struct {
	task      func()
	interval  time.Duration
	nextEvent time.Time

	// running is set while an execution of task is in progress.
	running int32
}

// Cron manages different jobs which require interval based execution. A job is never executed concurrently to
// itself; an event occurring while the previous execution is still running is skipped.
type Cron struct {
	jobs       map[string]*cronjob
	mutex      sync.Mutex
	resolution time.Duration
	tasks      sync.WaitGroup

	stopSyn  chan struct{}
	stopAck  chan struct{}
	stopOnce sync.Once
}

// NewCron creates and starts an empty Cron instance, checking its jobs every second.
func NewCron() *Cron {
	return NewCronResolution(time.Second)
}

// NewCronResolution creates and starts an empty Cron instance, checking its jobs at the given resolution.
func NewCronResolution(resolution time.Duration) *Cron {
	cron := &Cron{
		jobs:       make(map[string]*cronjob),
		resolution: resolution,
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}

	go cron.loop()

	return cron
}

func (cron *Cron) loop() {
	ticker := time.NewTicker(cron.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-cron.stopSyn:
			close(cron.stopAck)
			return

		case t := <-ticker.C:
			cron.fire(t)
		}
	}
}

func (cron *Cron) fire(t time.Time) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	for name, job := range cron.jobs {
		if job.nextEvent.After(t) {
			continue
		}

		job.nextEvent = job.nextEvent.Add(job.interval)
		if !job.nextEvent.After(t) {
			// The ticker fell behind, e.g., after a suspend. Missed events are dropped.
			job.nextEvent = t.Add(job.interval)
		}

		logger := log.WithFields(log.Fields{
			"job":        name,
			"interval":   job.interval,
			"next_event": job.nextEvent,
		})

		if !atomic.CompareAndSwapInt32(&job.running, 0, 1) {
			logger.Debug("Cron skipped job, previous execution is still running")
			continue
		}

		cron.tasks.Add(1)
		go func(job *cronjob) {
			defer cron.tasks.Done()
			defer atomic.StoreInt32(&job.running, 0)

			job.task()
		}(job)

		logger.Trace("Cron executed job")
	}
}

// Stop this Cron and wait for all running executions. Subsequent calls are no-ops.
func (cron *Cron) Stop() {
	cron.stopOnce.Do(func() {
		close(cron.stopSyn)
		<-cron.stopAck

		cron.tasks.Wait()
	})
}

// Register a new task by its name, function and interval. The interval must be
// at least the Cron's resolution. The function will be executed in a new
// Goroutine and must be thread-safe.
func (cron *Cron) Register(name string, task func(), interval time.Duration) error {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	if _, exists := cron.jobs[name]; exists {
		return fmt.Errorf("a job named %s is already registered", name)
	}

	if interval < cron.resolution {
		return fmt.Errorf("given interval %v is shorter than the resolution %v", interval, cron.resolution)
	}

	cron.jobs[name] = &cronjob{
		task:      task,
		interval:  interval,
		nextEvent: time.Now().Add(interval),
	}

	return nil
}

// Unregister a task by its name.
func (cron *Cron) Unregister(name string) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	delete(cron.jobs, name)
}
