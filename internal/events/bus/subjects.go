package bus

import "strings"

// Subject roots. Bus subjects are dotted; the wire protocol exposes the same
// names with colons (workspace.chat.<id> <-> workspace:chat:<id>).
const (
	SubjectWorkspaceChatPrefix = "workspace.chat."
	SubjectWorkspaceMetadata   = "workspace.metadata"

	// SubjectWorkspaceChatAll matches every chat channel.
	SubjectWorkspaceChatAll = "workspace.chat.*"
)

// Wire channel names as clients see them.
const (
	ChannelWorkspaceChatPrefix = "workspace:chat:"
	ChannelWorkspaceMetadata   = "workspace:metadata"
)

// BuildChatSubject returns the bus subject for one workspace's chat stream.
func BuildChatSubject(workspaceID string) string {
	return SubjectWorkspaceChatPrefix + workspaceID
}

// BuildChatChannel returns the wire channel for one workspace's chat stream.
func BuildChatChannel(workspaceID string) string {
	return ChannelWorkspaceChatPrefix + workspaceID
}

// ChannelToSubject maps a wire channel name to its bus subject.
// Unknown channels map to themselves with colons converted, which keeps the
// bus usable for channels added later.
func ChannelToSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// SubjectToChannel maps a bus subject back to its wire channel name.
func SubjectToChannel(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}

// ChatWorkspaceID extracts the workspace id from a chat channel or subject,
// returning "" when the name is not a chat channel.
func ChatWorkspaceID(name string) string {
	if strings.HasPrefix(name, ChannelWorkspaceChatPrefix) {
		return strings.TrimPrefix(name, ChannelWorkspaceChatPrefix)
	}
	if strings.HasPrefix(name, SubjectWorkspaceChatPrefix) {
		return strings.TrimPrefix(name, SubjectWorkspaceChatPrefix)
	}
	return ""
}
