package logging

import (
	"bytes"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records entries twice: as structured entries for field
// assertions, and as the redacted JSON the production encoder would write.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
	out      *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestLogger returns a trace-level logger with default redaction.
// Hand Underlying() to components that take a *zap.Logger.
func NewTestLogger() *TestLogger {
	cfg := NewDevelopmentConfig()
	cfg.Level = TraceLevel
	cfg.Format = "json"

	enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		panic(err) // default patterns compile
	}
	out := &syncBuffer{}
	obsCore, observed := observer.New(TraceLevel)
	core := zapcore.NewTee(obsCore, zapcore.NewCore(enc, zapcore.AddSync(out), TraceLevel))

	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: cfg},
		observed: observed,
		out:      out,
	}
}

// All returns the structured entries, before redaction.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Output returns everything written so far, after redaction.
func (t *TestLogger) Output() string {
	return t.out.String()
}

// AssertLogged fails unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return
		}
	}
	tb.Errorf("no %v entry containing %q in %+v", level, msg, t.observed.All())
}

// AssertField fails unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v", msg, key, want)
}

// AssertNoSecrets fails if any of secrets, or any value matching the
// default redaction patterns, reached the encoded output.
func (t *TestLogger) AssertNoSecrets(tb testing.TB, secrets ...string) {
	tb.Helper()
	out := t.Output()
	for _, s := range secrets {
		if s != "" && strings.Contains(out, s) {
			tb.Errorf("secret %q written to log output", s)
		}
	}
	for _, p := range DefaultRedactedPatterns {
		if m := regexp.MustCompile(p).FindString(out); m != "" {
			tb.Errorf("unredacted value %q written to log output", m)
		}
	}
}
