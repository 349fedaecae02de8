package server

import "github.com/dicey-ipc/dicey/registry"

// Option configures a Server at construction time.
type Option func(*Server)

// WithOnConnect installs the admission callback.
func WithOnConnect(f OnConnect) Option {
	return func(s *Server) { s.onConnect = f }
}

// WithOnRequest installs the application request callback, invoked for
// every non-built-in Get/Set/Exec.
func WithOnRequest(f OnRequest) Option {
	return func(s *Server) { s.onRequest = f }
}

// WithOnDisconnect installs the disconnect callback.
func WithOnDisconnect(f OnDisconnect) Option {
	return func(s *Server) { s.onDisconnect = f }
}

// WithPluginSupport registers the dicey.PluginManager trait on
// /dicey/server, enabling the plugin-manager built-ins (ListPlugins,
// HandshakeInternal). WithPluginHooks applies it as well, so a server
// given plugin hooks always has the trait.
func WithPluginSupport() Option {
	return func(s *Server) {
		s.reg.AddTrait(registry.PluginManagerTrait())
		s.reg.AddObjectTrait(registry.PathServer, registry.TraitPluginManager)
		s.pluginsEnabled = true
	}
}
