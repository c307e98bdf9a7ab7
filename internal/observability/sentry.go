package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// scrubbedHeaders never leave the process: they carry session credentials.
var scrubbedHeaders = []string{"Authorization", "Cookie", "Set-Cookie"}

// InitSentry enables error reporting. An empty DSN leaves the SDK disabled so
// captures become no-ops.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	for _, name := range scrubbedHeaders {
		delete(event.Request.Headers, name)
	}

	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
