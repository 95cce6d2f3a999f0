package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolveDeterministicFallback(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	var resolvedProvider glog.LoggerProvider
	_, resolved := Resolve("httpapi", provider, loggerOnly)
	got := resolved.(*capturingLogger)
	if got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}

	resolvedProvider, resolved = Resolve("httpapi", nil, loggerOnly)
	got = resolved.(*capturingLogger)
	if got.id != "logger" {
		t.Fatalf("expected direct logger when provider is nil, got %q", got.id)
	}
	if resolvedProvider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	_, resolved = Resolve("httpapi", nil, nil)
	if resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestNameScopesComponents(t *testing.T) {
	cases := map[string]string{
		"":                  RootName,
		"httpapi":           "channels.httpapi",
		" .jobs. ":          "channels.jobs",
		"channels.webhooks": "channels.webhooks",
	}
	for input, want := range cases {
		if got := Name(input); got != want {
			t.Fatalf("Name(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestComponentsUseProviderNames(t *testing.T) {
	provider := &namingProvider{}
	loggers := Components(provider, nil, "httpapi", "jobs")
	if len(loggers) != 2 {
		t.Fatalf("expected two component loggers, got %d", len(loggers))
	}
	if len(provider.names) != 2 || provider.names[0] != "channels.httpapi" || provider.names[1] != "channels.jobs" {
		t.Fatalf("unexpected requested names %v", provider.names)
	}
	loggers["httpapi"].Info("hello", "k", "v")
	if provider.logger.lastInfo.msg != "hello" {
		t.Fatalf("expected provider logger to receive entry")
	}
}

type namingProvider struct {
	names  []string
	logger capturingLogger
}

func (p *namingProvider) GetLogger(name string) glog.Logger {
	p.names = append(p.names, name)
	return &p.logger
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
}

func (p *capturingProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{
		msg:  msg,
		args: append([]any(nil), args...),
	}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
