package server

import "github.com/dicey-ipc/dicey/wire"

// PluginInfo is one entry in the PluginManager.ListPlugins response.
type PluginInfo struct {
	Name string
	Path string
}

// PluginHooks lets the plugin package serve the plugin-manager and
// plugin built-ins without this package importing plugin (which would
// create an import cycle, since plugin drives a Server). The server
// only calls these while handling a Message on the loop thread, so
// implementations must never block on a Server sync call (Send,
// AddObject, ...) from inside one of these methods -- that would
// deadlock the loop waiting on itself.
type PluginHooks interface {
	ListPlugins() []PluginInfo
	Handshake(clientID int, name string) (path string, err error)
	Reply(clientID int, jobID uint64, result wire.Value) error
	// PluginProperty serves the Name/Path readonly properties of the
	// dicey.Plugin trait for the object at path.
	PluginProperty(path string, opcode int) (wire.Value, error)
}

// WithPluginHooks installs the plugin package's implementation of the
// plugin-manager/plugin built-ins. Implies WithPluginSupport.
func WithPluginHooks(h PluginHooks) Option {
	return func(s *Server) {
		WithPluginSupport()(s)
		s.pluginHooks = h
	}
}
