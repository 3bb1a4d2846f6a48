package tui

// Key bindings handled in handleKey.
const (
	KeyConnect    = "c"
	KeyDisconnect = "d"
	KeyTalk       = " "
	KeyQuit       = "q"
	KeyQuitUpper  = "Q"
	KeyCtrlC      = "ctrl+c"
	KeyClearOrder = "x"
)
