package succession

import (
	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// AgentState 记录一个代理身份的当前归属。Successor 为空表示未指定
// 继任者；HandoverDeadline 非零表示存在待接受的交接。
type AgentState struct {
	Owner            common.Address  `json:"owner"`
	Successor        *common.Address `json:"successor,omitempty"`
	LastHeartbeat    int64           `json:"last_heartbeat"`
	Offline          bool            `json:"offline"`
	HandoverDeadline int64           `json:"handover_deadline,omitempty"`
}

var (
	// ErrAlreadyRegistered 表示该地址已经注册过代理身份。
	ErrAlreadyRegistered = xerrors.New(CodeAlreadyRegistered, "agent already registered")
	// ErrAgentNotFound 表示目标地址没有注册记录。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not registered")
	// ErrNotOwner 表示调用方不是记录的当前所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the registered owner")
	// ErrUnknownSuccessor 表示继任者身份无法解析为已注册的所有者。
	ErrUnknownSuccessor = xerrors.New(CodeUnknownSuccessor, "successor does not resolve to a registered owner")
	// ErrSelfHandover 表示所有者试图把身份交接给自己。
	ErrSelfHandover = xerrors.New(CodeSelfHandover, "cannot hand over to self")
	// ErrHandoverExpired 表示宽限期已过，交接不再可接受。
	ErrHandoverExpired = xerrors.New(CodeHandoverExpired, "handover grace period elapsed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotDesignatedSuccessor 表示调用方不是任何待交接记录的指定继任者。
	ErrNotDesignatedSuccessor = xerrors.New(CodeNotDesignatedSuccessor, "caller is not the designated successor")
)

const (
	CodeAlreadyRegistered      xerrors.Code = "ALREADY_REGISTERED"
	CodeAgentNotFound          xerrors.Code = "AGENT_NOT_FOUND"
	CodeNotOwner               xerrors.Code = "NOT_OWNER"
	CodeUnknownSuccessor       xerrors.Code = "UNKNOWN_SUCCESSOR"
	CodeSelfHandover           xerrors.Code = "SELF_HANDOVER"
	CodeHandoverExpired        xerrors.Code = "HANDOVER_EXPIRED"
	CodeNotDesignatedSuccessor xerrors.Code = "NOT_DESIGNATED_SUCCESSOR"
)

func init() {
	xerrors.Register(CodeAlreadyRegistered, xerrors.Attributes{
		Message:   "agent already registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:   "caller is not the registered owner",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownSuccessor, xerrors.Attributes{
		Message:   "successor does not resolve to a registered owner",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSelfHandover, xerrors.Attributes{
		Message:   "cannot hand over to self",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeHandoverExpired, xerrors.Attributes{
		Message:   "handover grace period elapsed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotDesignatedSuccessor, xerrors.Attributes{
		Message:   "caller is not the designated successor",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneState(state *AgentState) *AgentState {
	clone := *state
	if state.Successor != nil {
		successor := *state.Successor
		clone.Successor = &successor
	}
	return &clone
}
