package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// ClientIdentity controls which headers name the client for throttling
	// and logs.
	ClientIdentity httpmw.ClientIdentityOptions

	// ThrottleMW admits or rejects every request except the health routes.
	ThrottleMW func(http.Handler) http.Handler

	// Upstream receives every admitted request. nil answers chi's 404.
	Upstream http.Handler

	// MaxBodyBytes caps request bodies, <= 0 disables the cap.
	MaxBodyBytes int64
}
