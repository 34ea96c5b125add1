// Package router decides what happens to each inbound chat message.
//
// # Pipeline
//
//	Message -> Filter.ShouldHandle -> Controller -> Dispatcher
//
// The Filter is a pure decision over routing state (reel-monitored channels,
// echo mode, monitoring-stopped threads, resident and known conversations,
// explicit address). The Controller acts on the decision: it recovers or
// bootstraps conversations, posts acknowledgements, persists records, and
// hands the message to the dispatcher.
//
// # Bootstrap
//
// An addressed message in a channel opens a thread named after the author,
// turns on echo mode for it, and starts the conversation there. In an echo
// channel the conversation lives on the channel itself.
//
// # Commands
//
// Commands backs the chat command surface:
//
//   - stop-monitoring-channel: threads only; mention the bot to resume
//   - echo_enable / echo_disable: channels only
package router
