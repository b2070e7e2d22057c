// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

// Config is the per-process IPT tracing configuration.
type Config struct {
	// RingSizePow2 is the log2 of the ring buffer size; a power-of-two
	// size of approximately 1 MiB is the usual default.
	RingSizePow2 uint32
}

// DefaultConfig is the default tracing configuration: a 1 MiB (2^20)
// ring buffer.
var DefaultConfig = Config{RingSizePow2: 20}

// Session owns the IPT kernel-service handle for a single traced process:
// start/stop tracing and fetch ring-buffer blobs to hand to a
// RingDrainer. The concrete backend talks to the IPT
// kernel service via DeviceIoControl; that service's own enablement is an
// out-of-scope external collaborator — Session only assumes
// it is already installed and available.
type Session interface {
	// Start begins tracing threadID with cfg.
	Start(threadID uint32, cfg Config) error
	// Stop ends tracing for the session.
	Stop() error
	// FetchBlob returns the current set of per-thread trace headers, for
	// a RingDrainer to consume.
	FetchBlob() ([]ThreadTraceHeader, error)
	// Available reports whether the IPT kernel service is present and
	// usable on this machine, checked once at init.
	Available() bool
}
