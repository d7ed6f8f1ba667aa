package gateway

// methodKind is the closed set of request methods. Dispatch switches on the
// kind rather than the raw string so every method has exactly one handler.
type methodKind int

const (
	methodUnknown methodKind = iota
	methodConnect
	methodHealth
	methodStatus
	methodChatHistory
	methodChatExport
	methodChatReplace
	methodAgent
	methodAgentCancel
	methodNodeList
	methodNodeInvoke
	methodSessionsList
	methodSessionsResolve
	methodSessionsPatch
	methodApprovalsGrant
)

func parseMethod(name string) methodKind {
	switch name {
	case "connect":
		return methodConnect
	case "health":
		return methodHealth
	case "status":
		return methodStatus
	case "chat.history":
		return methodChatHistory
	case "chat.export":
		return methodChatExport
	case "chat.replace":
		return methodChatReplace
	case "agent":
		return methodAgent
	case "agent.cancel":
		return methodAgentCancel
	case "node.list":
		return methodNodeList
	case "node.invoke":
		return methodNodeInvoke
	case "sessions.list":
		return methodSessionsList
	case "sessions.resolve":
		return methodSessionsResolve
	case "sessions.patch":
		return methodSessionsPatch
	case "approvals.grant":
		return methodApprovalsGrant
	default:
		return methodUnknown
	}
}
