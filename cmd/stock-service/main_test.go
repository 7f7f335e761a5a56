package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestSetupLogger(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{})

	setupLogger(mapLookup(nil))
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.TextFormatter); !ok {
		t.Fatal("expected text formatter by default")
	}

	setupLogger(mapLookup(map[string]string{envLogLevel: " debug ", envLogFormat: "JSON"}))
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatal("expected json formatter")
	}

	setupLogger(mapLookup(map[string]string{envLogLevel: "loud"}))
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("invalid level must fall back to info, got %s", log.GetLevel())
	}
}
