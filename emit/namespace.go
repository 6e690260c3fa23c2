package emit

// Namespace prefixes the events of the handlers registered through it.
type Namespace struct {
	app    *App
	prefix string
}

func (ns *Namespace) On(event string, args ...any) *Namespace {
	ns.app.store(ns.prefix+event, args)
	return ns
}

func (ns *Namespace) Namespace(prefix string) *Namespace {
	return &Namespace{
		app:    ns.app,
		prefix: ns.prefix + prefix,
	}
}
