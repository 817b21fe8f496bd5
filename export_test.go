package livechat

// Test hooks for the external test package.

type (
	FakeTransport = fakeTransport
	FakeConn      = fakeConn
)

var NewFakeTransport = newFakeTransport
