package services

import (
	"time"

	"instacast/internal/core/domain"
)

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) StatusChanged(domain.Role, domain.Status) {}
func (NopMetrics) GuestConnected()                          {}
func (NopMetrics) GuestDisconnected()                       {}
func (NopMetrics) ControlMessageSent()                      {}
func (NopMetrics) ControlMessageReceived()                  {}
func (NopMetrics) RecordingStarted(string, int)             {}
func (NopMetrics) RecordingStopped(time.Duration, int)      {}
func (NopMetrics) ChunkCaptured(int)                        {}
func (NopMetrics) HostsDiscovered(int)                      {}
