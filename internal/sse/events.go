package sse

// 配信イベント種別
const (
	EventConnected   = "connected"
	EventLinkSuccess = "link.success"
	EventLinkExit    = "link.exit"
	EventLinkState   = "link.state"
)
