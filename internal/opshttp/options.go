package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Status, when set, is served as JSON at /-/throttle.
	Status func() any

	UseRecoverMW bool
	OnPanic      func() // called for every recovered panic, e.g. to bump a counter
}
