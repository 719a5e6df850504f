package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

func SetupLogger(verbose bool) {
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "15:04:05.000000000",
		FullTimestamp:   true,
	})

	if verbose {
		logrus.SetLevel(logrus.TraceLevel)
	}
}

// Peer returns an entry tagged with the remote participant's address so that
// interleaved negotiation logs of a group call stay attributable.
func Peer(address string) *logrus.Entry {
	return logrus.WithField("peer", address)
}

func Debugf(format string, args ...any) {
	logrus.Debugf(format, args...)
}

func Info(args ...any) {
	logrus.Info(args...)
}

func Infof(format string, args ...any) {
	logrus.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	logrus.Warnf(format, args...)
}

func Error(args ...any) {
	logrus.Error(args...)
}

func Errorf(format string, args ...any) {
	logrus.Errorf(format, args...)
}

func Fatal(args ...any) {
	logrus.Fatal(args...)
}

func Fatalf(format string, args ...any) {
	logrus.Fatalf(format, args...)
}
