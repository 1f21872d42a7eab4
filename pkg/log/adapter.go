package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// StoreLogAdapter implements badger.Logger on top of logrus.
// Badger's info chatter (compactions, table flushes) is demoted to debug so it
// does not drown crawl progress at the default level.
type StoreLogAdapter struct {
	entry *logrus.Entry
}

// NewStoreLogAdapter creates an adapter tagged with component=report_store
func NewStoreLogAdapter(entry *logrus.Entry) *StoreLogAdapter {
	return &StoreLogAdapter{entry: entry.WithField("component", "report_store")}
}

func (l *StoreLogAdapter) Errorf(f string, v ...interface{}) {
	l.entry.Errorf(strings.TrimSpace(f), v...)
}

func (l *StoreLogAdapter) Warningf(f string, v ...interface{}) {
	l.entry.Warnf(strings.TrimSpace(f), v...)
}

func (l *StoreLogAdapter) Infof(f string, v ...interface{}) {
	l.entry.Debugf(strings.TrimSpace(f), v...)
}

func (l *StoreLogAdapter) Debugf(f string, v ...interface{}) {
	l.entry.Tracef(strings.TrimSpace(f), v...)
}
