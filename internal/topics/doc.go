// Package topics names the channels a chat session subscribes to and the
// destinations it publishes commands to. Patterns may carry a single
// trailing placeholder such as {userId}; a TopicRegistry resolves concrete
// channel strings back to the topic that produced them.
package topics
