package logging

import (
	"os"

	log "github.com/sirupsen/logrus"

	"nodebus/internal/bus"
)

// Logger is the interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

func Init(level string) {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	// default info
	l, err := log.ParseLevel(level)
	if err != nil {
		l = log.InfoLevel
	}
	log.SetLevel(l)
}

func L() *log.Logger { return log.StandardLogger() }

// Observer logs hub notifications. Drops are warnings, traffic is debug.
func Observer(l log.FieldLogger) bus.Observer {
	if l == nil {
		l = L()
	}
	return func(n bus.Notification) {
		fields := log.Fields{"kind": n.Kind.String()}
		if id := n.ConnID(); id != "" {
			fields["conn"] = id
		}
		entry := l.WithFields(fields)
		switch n.Kind {
		case bus.KindConnect, bus.KindDisconnect:
			entry.Info("connection")
		case bus.KindListen, bus.KindUnlisten:
			entry.WithField("event", n.Event).Info("subscription")
		case bus.KindReceive:
			entry.WithFields(log.Fields{"event": n.Envelope.Name, "origin": n.Origin.String()}).Debug("receive")
		case bus.KindPreTransform:
			if n.Envelope != nil {
				entry = entry.WithField("event", n.Envelope.Name)
			}
			entry.WithField("origin", n.Origin.String()).Trace("pre-transform")
		case bus.KindInvalidMessage:
			entry.WithError(n.Err).WithField("raw", truncate(n.Raw, 256)).Warn("receive invalid message")
		case bus.KindInvalidJSON:
			entry.WithError(n.Err).Warn("receive invalid JSON")
		case bus.KindRejected:
			entry.WithField("origin", n.Origin.String()).Debug("message rejected")
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
