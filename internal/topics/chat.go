package topics

// Inbound channels. The private queue is addressed per user.
var (
	// Public carries broadcast CHAT, JOIN, LEAVE and TYPING events for every subscriber.
	Public = NewBaseTopic("public", "Broadcast chat, join, leave and typing events", "public", Inbound)

	// ActiveUsers carries the full presence snapshot.
	ActiveUsers = NewBaseTopic("activeUsers", "Complete list of currently known users", "activeUsers", Inbound)

	// Typing carries typing pings.
	Typing = NewBaseTopic("typing", "Typing indicators", "typing", Inbound)

	// Private is the per-user queue; format it with {"userId": id}.
	Private = NewBaseTopic("private", "Messages addressed only to one user", "private:{userId}", Inbound)
)

// Outbound destinations.
var (
	SendMessage    = NewBaseTopic("chat.sendMessage", "Send a chat message to a room", "chat.sendMessage", Outbound)
	SendPrivate    = NewBaseTopic("chat.private", "Send a direct message to one user", "chat.private", Outbound)
	AddUser        = NewBaseTopic("chat.addUser", "Announce that the user joined", "chat.addUser", Outbound)
	SendTyping     = NewBaseTopic("chat.typing", "Announce that the user is typing", "chat.typing", Outbound)
	GetActiveUsers = NewBaseTopic("chat.getActiveUsers", "Ask the server to republish the presence snapshot", "chat.getActiveUsers", Outbound)
)

// PrivateFor returns the private queue channel for a user id.
func PrivateFor(userID string) (string, error) {
	return Private.Format(map[string]string{"userId": userID})
}

// NewChatRegistry returns a registry holding every chat channel and destination.
func NewChatRegistry() *TopicRegistry {
	r := NewRegistry()
	for _, t := range []Topic{
		Public, ActiveUsers, Typing, Private,
		SendMessage, SendPrivate, AddUser, SendTyping, GetActiveUsers,
	} {
		r.MustRegister(t)
	}
	return r
}
