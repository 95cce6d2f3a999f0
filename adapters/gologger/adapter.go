package gologger

import (
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

const RootName = "channels"

// Name scopes a component under the root logger name: "httpapi" becomes
// "channels.httpapi".
func Name(component string) string {
	component = strings.Trim(strings.TrimSpace(component), ".")
	if component == "" || component == RootName {
		return RootName
	}
	if strings.HasPrefix(component, RootName+".") {
		return component
	}
	return RootName + "." + component
}

// Resolve uses deterministic precedence provider > logger > nop. The returned
// logger is never nil.
func Resolve(component string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	resolvedProvider, resolved := glog.Resolve(Name(component), provider, logger)
	if resolved == nil {
		resolved = glog.Nop()
	}
	return resolvedProvider, resolved
}

// Components resolves one logger per component from a shared provider.
func Components(provider glog.LoggerProvider, fallback glog.Logger, components ...string) map[string]glog.Logger {
	out := make(map[string]glog.Logger, len(components))
	for _, component := range components {
		_, out[component] = Resolve(component, provider, fallback)
	}
	return out
}
