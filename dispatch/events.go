package dispatch

// OnSent registers a handler invoked once this dispatch reaches a recipient
// successfully. Handlers run sequentially in registration order and must be
// registered before the first SendToAddr call.
func (m *OutgoingMessage) OnSent(handler func(SentEntry)) {
	m.lock()
	defer m.unlock()
	m.listeners.sent = append(m.listeners.sent, handler)
}

// OnError registers a handler invoked once this dispatch terminates with a
// failure for a recipient.
func (m *OutgoingMessage) OnError(handler func(ErrorEntry)) {
	m.lock()
	defer m.unlock()
	m.listeners.errorFn = append(m.listeners.errorFn, handler)
}

// OnKeyChange registers a handler invoked when a remote device's identity
// key no longer matches what was previously trusted. The handler may set
// err.Accepted to true to let the dispatch proceed with the new key;
// leaving it false terminates the dispatch with this error.
func (m *OutgoingMessage) OnKeyChange(handler func(*IdentityKeyError)) {
	m.lock()
	defer m.unlock()
	m.listeners.keychange = append(m.listeners.keychange, handler)
}

// emitSent invokes every sent handler in order. A handler's own panic is
// recovered and ignored; it must never interrupt sibling handlers.
func (m *OutgoingMessage) emitSent(entry SentEntry) {
	m.lock()
	m.sent = append(m.sent, entry)
	handlers := append([]func(SentEntry){}, m.listeners.sent...)
	m.unlock()

	for _, h := range handlers {
		callSafely(func() { h(entry) })
	}
}

func (m *OutgoingMessage) emitError(entry ErrorEntry) {
	m.lock()
	m.errors = append(m.errors, entry)
	handlers := append([]func(ErrorEntry){}, m.listeners.errorFn...)
	m.unlock()

	for _, h := range handlers {
		callSafely(func() { h(entry) })
	}
}

// emitKeyChange returns the accepted verdict after running every handler in
// order; a later handler can still flip the flag set by an earlier one.
func (m *OutgoingMessage) emitKeyChange(err *IdentityKeyError) bool {
	m.lock()
	handlers := append([]func(*IdentityKeyError){}, m.listeners.keychange...)
	m.unlock()

	for _, h := range handlers {
		callSafely(func() { h(err) })
	}
	return err.Accepted
}

func callSafely(fn func()) {
	defer func() { recover() }()
	fn()
}
