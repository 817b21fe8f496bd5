package livechat

// Profile selects which guarantees a session offers. The same engine backs
// the notification feed, the group chat and the profile chat panel.
type Profile struct {
	Name string

	// History enables the initial snapshot fetch.
	History bool
	// Send, Edit and Delete gate the command surface.
	Send   bool
	Edit   bool
	Delete bool
	// SynthesizeIDs assigns a random id to frames that carry none.
	// Such frames can never be de-duplicated.
	SynthesizeIDs bool
}

var (
	// NotificationFeed only appends what the server pushes.
	NotificationFeed = Profile{Name: "notifications", SynthesizeIDs: true}
	// GroupChat appends and sends.
	GroupChat = Profile{Name: "groupchat", History: true, Send: true}
	// ChatPanel supports the full send/edit/delete surface.
	ChatPanel = Profile{Name: "chatpanel", History: true, Send: true, Edit: true, Delete: true}
)

var profiles = map[string]Profile{
	NotificationFeed.Name: NotificationFeed,
	GroupChat.Name:        GroupChat,
	ChatPanel.Name:        ChatPanel,
}

// ProfileByName looks up one of the built-in profiles.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

func (p Profile) allows(op CommandOp) bool {
	switch op {
	case OpSend:
		return p.Send
	case OpEdit:
		return p.Edit
	case OpDelete:
		return p.Delete
	}
	return false
}
