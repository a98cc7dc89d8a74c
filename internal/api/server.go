package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"AgentMarket-Chain/internal/auth"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/market"
	"AgentMarket-Chain/internal/marketplace"
	"AgentMarket-Chain/internal/observability/metrics"
	"AgentMarket-Chain/internal/succession"
	"AgentMarket-Chain/internal/web3/provider"

	"github.com/ethereum/go-ethereum/common"
)

// Server 暴露市场的 REST 接口。
type Server struct {
	addr   string
	facade *marketplace.Facade
	auth   *auth.Service
	chains *provider.Registry
}

// NewServer 构造 API 服务实例。authSvc 与 chains 允许为空。
func NewServer(addr string, facade *marketplace.Facade, authSvc *auth.Service, chains *provider.Registry) *Server {
	return &Server{addr: addr, facade: facade, auth: authSvc, chains: chains}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 组装全部路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/tasks", s.instrument("create_task", s.handleCreateTask))
	mux.Handle("GET /api/v1/tasks", s.instrument("list_tasks", s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/{id}", s.instrument("get_task", s.handleGetTask))
	mux.Handle("POST /api/v1/tasks/{id}/accept", s.instrument("accept_task", s.handleAcceptTask))
	mux.Handle("POST /api/v1/tasks/{id}/assign", s.instrument("assign_agent", s.handleAssignAgent))
	mux.Handle("POST /api/v1/tasks/{id}/bids", s.instrument("place_bid", s.handlePlaceBid))
	mux.Handle("GET /api/v1/tasks/{id}/bids", s.instrument("list_bids", s.handleListBids))
	mux.Handle("POST /api/v1/tasks/{id}/complete", s.instrument("complete_task", s.handleCompleteTask))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", s.instrument("cancel_task", s.handleCancelTask))
	mux.Handle("GET /api/v1/stats", s.instrument("stats", s.handleStats))

	mux.Handle("GET /api/v1/fee", s.instrument("get_fee", s.handleGetFee))
	mux.Handle("PUT /api/v1/fee", s.adminOnly("update_fee", s.handleUpdateFee))

	mux.Handle("POST /api/v1/agents", s.instrument("register_agent", s.handleRegisterAgent))
	mux.Handle("GET /api/v1/agents", s.instrument("search_agents", s.handleSearchAgents))
	mux.Handle("GET /api/v1/agents/{address}", s.instrument("get_agent", s.handleGetAgent))
	mux.Handle("POST /api/v1/agents/{address}/heartbeat", s.instrument("heartbeat", s.handleHeartbeat))
	mux.Handle("POST /api/v1/agents/{address}/offline", s.instrument("mark_offline", s.handleMarkOffline))
	mux.Handle("GET /api/v1/agents/{address}/status", s.instrument("offline_status", s.handleOfflineStatus))
	mux.Handle("POST /api/v1/agents/{address}/handover", s.instrument("initiate_handover", s.handleInitiateHandover))
	mux.Handle("PUT /api/v1/agents/{address}/successor", s.instrument("update_successor", s.handleUpdateSuccessor))
	mux.Handle("POST /api/v1/handover/accept", s.instrument("accept_handover", s.handleAcceptHandover))

	mux.Handle("POST /api/v1/auth/token", s.instrument("issue_token", s.handleIssueToken))
	mux.Handle("GET /healthz", s.instrument("healthz", s.handleHealthz))
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

type createTaskRequest struct {
	Creator            string `json:"creator"`
	CapabilityRequired uint64 `json:"capability_required"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	Price              string `json:"price"`
	Deadline           int64  `json:"deadline"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	creator, ok := parseAddress(w, req.Creator, "creator")
	if !ok {
		return
	}
	price, ok := parseAmount(w, req.Price, "price")
	if !ok {
		return
	}
	task, err := s.facade.CreateTask(r.Context(), creator, req.CapabilityRequired, req.Title, req.Description, price, req.Deadline)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("capability"); raw != "" {
		capability, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "capability 参数非法")
			return
		}
		tasks, err := s.facade.GetTasksByCapability(r.Context(), capability)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
		return
	}
	tasks, err := s.facade.GetOpenTasks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.facade.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type agentActionRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	var req agentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	agent, ok := parseAddress(w, req.Agent, "agent")
	if !ok {
		return
	}
	task, err := s.facade.AcceptTask(r.Context(), taskID, agent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type assignRequest struct {
	Caller string `json:"caller"`
	Agent  string `json:"agent"`
}

func (s *Server) handleAssignAgent(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	caller, ok := parseAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	agent, ok := parseAddress(w, req.Agent, "agent")
	if !ok {
		return
	}
	task, err := s.facade.AssignAgent(r.Context(), taskID, caller, agent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type bidRequest struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	bidder, ok := parseAddress(w, req.Bidder, "bidder")
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	task, err := s.facade.PlaceBid(r.Context(), taskID, bidder, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	bids, err := s.facade.ListBids(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

type completeRequest struct {
	Agent      string `json:"agent"`
	ResultHash string `json:"result_hash"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	agent, ok := parseAddress(w, req.Agent, "agent")
	if !ok {
		return
	}
	task, err := s.facade.CompleteTask(r.Context(), taskID, agent, req.ResultHash)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type cancelRequest struct {
	Caller string `json:"caller"`
}

type cancelResponse struct {
	Task           *market.Task `json:"task"`
	RefundsPending bool         `json:"refunds_pending,omitempty"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	caller, ok := parseAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	task, err := s.facade.CancelTask(r.Context(), taskID, caller)
	if err != nil {
		// 取消仍然生效但部分退款失败时，返回任务并标记待退款。
		if task != nil && xerrors.CodeOf(err) == market.CodeRefundIncomplete {
			writeJSON(w, http.StatusOK, cancelResponse{Task: task, RefundsPending: true})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Task: task})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.facade.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetFee(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"fee_rate_bps": s.facade.FeeRate()})
}

type feeRequest struct {
	FeeRateBps uint64 `json:"fee_rate_bps"`
}

func (s *Server) handleUpdateFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	if err := s.facade.UpdateFeeRate(req.FeeRateBps); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"fee_rate_bps": s.facade.FeeRate()})
}

type registerAgentRequest struct {
	Owner     string `json:"owner"`
	Successor string `json:"successor,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	owner, ok := parseAddress(w, req.Owner, "owner")
	if !ok {
		return
	}
	var successor *common.Address
	if req.Successor != "" {
		addr, ok := parseAddress(w, req.Successor, "successor")
		if !ok {
			return
		}
		successor = &addr
	}
	state, err := s.facade.RegisterAgent(r.Context(), owner, successor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleSearchAgents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("capability")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "缺少 capability 参数")
		return
	}
	mask, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "capability 参数非法")
		return
	}
	addrs, err := s.facade.SearchAgents(r.Context(), mask)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addrs)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	owner, ok := parsePathAddress(w, r)
	if !ok {
		return
	}
	state, err := s.facade.GetAgent(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	owner, ok := parsePathAddress(w, r)
	if !ok {
		return
	}
	state, err := s.facade.Heartbeat(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleMarkOffline(w http.ResponseWriter, r *http.Request) {
	target, ok := parsePathAddress(w, r)
	if !ok {
		return
	}
	if err := s.facade.MarkOffline(r.Context(), target); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"offline": true})
}

func (s *Server) handleOfflineStatus(w http.ResponseWriter, r *http.Request) {
	target, ok := parsePathAddress(w, r)
	if !ok {
		return
	}
	offline, err := s.facade.CheckOfflineStatus(r.Context(), target)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"offline": offline})
}

type handoverRequest struct {
	Successor string `json:"successor"`
}

func (s *Server) handleInitiateHandover(w http.ResponseWriter, r *http.Request) {
	owner, ok := parsePathAddress(w, r)
	if !ok {
		return
	}
	var req handoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	state, err := s.facade.InitiateHandover(r.Context(), owner, req.Successor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleUpdateSuccessor(w http.ResponseWriter, r *http.Request) {
	owner, ok := parsePathAddress(w, r)
	if !ok {
		return
	}
	var req handoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	successor, ok := parseAddress(w, req.Successor, "successor")
	if !ok {
		return
	}
	state, err := s.facade.UpdateSuccessor(r.Context(), owner, successor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAcceptHandover(w http.ResponseWriter, r *http.Request) {
	var req handoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	successor, ok := parseAddress(w, req.Successor, "successor")
	if !ok {
		return
	}
	state, err := s.facade.AcceptHandover(r.Context(), successor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeError(w, http.StatusNotFound, "AUTH_DISABLED", "认证未启用")
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "请求体解析失败")
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "认证失败")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.chains != nil {
		if client, err := s.chains.DefaultClient(); err == nil {
			if snapshot, err := client.FetchChainSnapshot(r.Context()); err == nil {
				resp["chain"] = snapshot
			} else {
				resp["status"] = "degraded"
				resp["chain_error"] = err.Error()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// instrument 包装处理器，记录请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

// adminOnly 在指标包装之外叠加管理员认证。
func (s *Server) adminOnly(name string, handler http.HandlerFunc) http.Handler {
	inner := s.instrument(name, handler)
	if s.auth == nil {
		return inner
	}
	middleware := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermMarketAdmin}},
		AuditEvent:          name,
	})
	return middleware(inner)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	taskID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "任务 ID 非法")
		return 0, false
	}
	return taskID, true
}

func parsePathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "地址非法")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAddress(w http.ResponseWriter, raw, field string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", field+" 地址非法")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseAmount 解析十进制字符串金额，空串视为零。
func parseAmount(w http.ResponseWriter, raw, field string) (*big.Int, bool) {
	if raw == "" {
		return new(big.Int), true
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", field+" 金额非法")
		return nil, false
	}
	return amount, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeDomainError 把领域错误映射为 HTTP 状态码。
func writeDomainError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeError(w, status, string(code), message)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case market.CodeTaskNotFound, succession.CodeAgentNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case market.CodeTaskUnavailable, market.CodeAlreadyFinalized, market.CodeAuctionNotAssignable,
		market.CodeBidTooLow, market.CodeTaskExpired,
		succession.CodeAlreadyRegistered, succession.CodeHandoverExpired, xerrors.CodeConflict:
		return http.StatusConflict
	case market.CodeInvalidDeadline, market.CodeSelfAssignment, market.CodeFeeTooHigh,
		succession.CodeSelfHandover, succession.CodeUnknownSuccessor, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case market.CodeNotCreator, market.CodeNotAssignedAgent,
		succession.CodeNotOwner, succession.CodeNotDesignatedSuccessor,
		marketplace.CodeCapabilityMismatch, xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeTransferFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
