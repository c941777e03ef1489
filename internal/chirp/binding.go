package chirp

// Binding subscribes a manual-bind terminal (deaf-mute, publish-subscribe,
// scatter-gather, cached publish-subscribe) to every compatible terminal
// named targets. Auto-bind flavors carry their own BindingTracker instead.
type Binding struct {
	*object
	*BindingTracker
	terminal Terminal
	targets  string
}

func NewBinding(term Terminal, targets string) (*Binding, error) {
	s := term.Leaf().sched
	h, err := s.tr.CreateBinding(term.Handle(), targets)
	if err != nil {
		return nil, err
	}
	obj := newObject(s.tr, h, s.logger("binding").With().Str("targets", targets).Logger())
	return &Binding{
		object:         obj,
		BindingTracker: newBindingTracker(obj, s.reg),
		terminal:       term,
		targets:        targets,
	}, nil
}

func (b *Binding) Terminal() Terminal {
	return b.terminal
}

func (b *Binding) Targets() string {
	return b.targets
}
