package callstate

// Navigator moves the user off the dedicated call screen once a call is over.
type Navigator interface {
	// AtCallRoute reports whether the call screen is showing.
	AtCallRoute() bool
	// Back returns to the previous location; false when there is no history.
	Back() bool
	Home()
}

// leaveCallRoute goes back, or home when there is nowhere to go back to.
func leaveCallRoute(nav Navigator) {
	if nav == nil || !nav.AtCallRoute() {
		return
	}
	if !nav.Back() {
		nav.Home()
	}
}

// HistoryNavigator is a minimal in-memory Navigator, used by the CLI and tests.
type HistoryNavigator struct {
	CallRoute string
	stack     []string
}

func NewHistoryNavigator(callRoute string, start ...string) *HistoryNavigator {
	return &HistoryNavigator{CallRoute: callRoute, stack: append([]string(nil), start...)}
}

func (n *HistoryNavigator) Push(route string) { n.stack = append(n.stack, route) }

func (n *HistoryNavigator) Location() string {
	if len(n.stack) == 0 {
		return "/"
	}
	return n.stack[len(n.stack)-1]
}

func (n *HistoryNavigator) AtCallRoute() bool { return n.Location() == n.CallRoute }

func (n *HistoryNavigator) Back() bool {
	if len(n.stack) < 2 {
		return false
	}
	n.stack = n.stack[:len(n.stack)-1]
	return true
}

func (n *HistoryNavigator) Home() { n.stack = []string{"/"} }
