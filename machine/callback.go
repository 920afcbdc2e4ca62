package machine

type callbacks struct {
	toggle []func(running bool) //开关代理

	updated []func() //运行中的 选择 发生了变更
}

func (m *M) AddToggleCallback(f func(bool)) {
	m.toggle = append(m.toggle, f)
}

func (m *M) callToggle(running bool) {
	for _, f := range m.toggle {
		f(running)
	}
}

func (m *M) AddUpdatedCallback(f func()) {
	m.updated = append(m.updated, f)
}

func (m *M) callUpdated() {
	for _, f := range m.updated {
		f()
	}
}
