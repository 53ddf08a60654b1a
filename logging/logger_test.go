package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger_LevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	l := NewLogger()
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", l.Formatter)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.WithField("k", "v").Info("dropped")
}
