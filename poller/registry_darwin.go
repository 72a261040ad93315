//go:build darwin

package poller

func builtinFactories() []Factory {
	return []Factory{
		pollFactory(),
		NoneFactory(),
	}
}
