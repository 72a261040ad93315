//go:build !linux && !darwin

package poller

func builtinFactories() []Factory {
	return []Factory{NoneFactory()}
}
