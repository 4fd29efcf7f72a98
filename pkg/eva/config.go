// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config of a Protocol.
type Config struct {
	// BlockSize is the number of payload bytes within one Data message.
	BlockSize int

	// WindowSize is the number of blocks requested by one Acknowledgement.
	WindowSize int

	// BinarySizeLimit is the maximum payload size to be sent or accepted.
	BinarySizeLimit int

	// RetransmitInterval is the time between two retransmissions of a WriteRequest or an Acknowledgement.
	RetransmitInterval time.Duration

	// RetransmitAttempts is the maximum number of retransmissions without progress.
	RetransmitAttempts int

	// TerminationEnabled activates the inactivity watchdog, terminating transfers after TerminationTimeout.
	TerminationEnabled bool
	TerminationTimeout time.Duration

	// ScheduledSendInterval is the interval of the scheduler's safety sweep. Zero disables the sweep.
	ScheduledSendInterval time.Duration

	// MaxSimultaneousTransfers limits the active, incoming and outgoing, transfers.
	MaxSimultaneousTransfers int
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		BlockSize:                1000,
		WindowSize:               16,
		BinarySizeLimit:          1 << 30,
		RetransmitInterval:       3 * time.Second,
		RetransmitAttempts:       3,
		TerminationEnabled:       true,
		TerminationTimeout:       10 * time.Second,
		ScheduledSendInterval:    5 * time.Second,
		MaxSimultaneousTransfers: 10,
	}
}

// CheckValid returns an array of errors for incorrect data.
func (c Config) CheckValid() (errs error) {
	if c.BlockSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("block size must be positive, not %d", c.BlockSize))
	}
	if c.WindowSize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("window size must be at least one, not %d", c.WindowSize))
	}
	if c.BinarySizeLimit <= 0 || uint64(c.BinarySizeLimit) > math.MaxUint32 {
		errs = multierror.Append(errs, fmt.Errorf("binary size limit %d is not within (0, 2^32)", c.BinarySizeLimit))
	}
	if c.RetransmitInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("retransmit interval must be positive, not %v", c.RetransmitInterval))
	}
	if c.RetransmitAttempts < 0 {
		errs = multierror.Append(errs, fmt.Errorf("retransmit attempts must not be negative, not %d", c.RetransmitAttempts))
	}
	if c.TerminationEnabled && c.TerminationTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("termination timeout must be positive, not %v", c.TerminationTimeout))
	}
	if c.ScheduledSendInterval < 0 {
		errs = multierror.Append(errs, fmt.Errorf("scheduled send interval must not be negative, not %v", c.ScheduledSendInterval))
	}
	if c.MaxSimultaneousTransfers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("max simultaneous transfers must be at least one, not %d", c.MaxSimultaneousTransfers))
	}

	return
}
