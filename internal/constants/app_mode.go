package constants

// AppMode is the request/response shape of a remote Dify application.
type AppMode string

const (
	AppModeWorkflow     AppMode = "workflow"
	AppModeChat         AppMode = "chat"
	AppModeAgentChat    AppMode = "agent-chat"
	AppModeAdvancedChat AppMode = "advanced-chat"
	AppModeCompletion   AppMode = "completion"
)

func (m AppMode) Valid() bool {
	switch m {
	case AppModeWorkflow, AppModeChat, AppModeAgentChat, AppModeAdvancedChat, AppModeCompletion:
		return true
	}
	return false
}

func (m AppMode) IsChat() bool {
	return m == AppModeChat || m == AppModeAgentChat || m == AppModeAdvancedChat
}
