package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/lnescrow/internal/client"
	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/logging"
	"github.com/mbd888/lnescrow/internal/validation"
)

// ClientService is the part of *client.Client the control API drives.
type ClientService interface {
	Alive() bool
	GetTrustedAgents(ctx context.Context) ([]string, error)
	AddTrustedAgent(ctx context.Context, pubkey string) error
	DeleteTrustedAgent(ctx context.Context, pubkey string) error
	AgentInfos() []client.AgentInfo
	AgentInfo(pubkey string) (client.AgentInfo, bool)
	Trade(ctx context.Context, id string) (*client.Trade, error)
	Trades(ctx context.Context) ([]*client.Trade, error)
	RequestRegisterEscrow(ctx context.Context, agentPubKey string, terms contract.TradeContract, dir escrow.Direction) (*client.Trade, error)
	AcceptEscrow(ctx context.Context, draft *client.Trade) (*client.Trade, error)
	FundTrade(ctx context.Context, t *client.Trade) error
	SaveNewTrade(ctx context.Context, t *client.Trade) error
	ConfirmTrade(ctx context.Context, id string) (*client.Trade, error)
	CancelTrade(ctx context.Context, id string) (*client.Trade, error)
	RequestMediation(ctx context.Context, id, reason string) (*client.Trade, error)
	CreatePostbox(ctx context.Context, id string) (string, error)
	CreateTradeFromPostbox(ctx context.Context, token string) (*client.Trade, error)
}

var _ ClientService = (*client.Client)(nil)

func (s *Server) clientRoutes(g *gin.RouterGroup, admin gin.HandlerFunc) {
	g.GET("/trusted-agents", s.listTrustedAgents)
	g.POST("/trusted-agents", admin, s.addTrustedAgent)
	g.DELETE("/trusted-agents/:pubkey", admin, validation.HexParamMiddleware("pubkey"), s.deleteTrustedAgent)

	g.GET("/agents", s.listAgentInfos)
	g.GET("/agents/:pubkey", validation.HexParamMiddleware("pubkey"), s.getAgentInfo)

	g.GET("/trades", s.listClientTrades)
	g.POST("/trades", admin, s.createTrade)

	trade := g.Group("/trades/:id", validation.HexParamMiddleware("id"))
	trade.GET("", s.getClientTrade)
	trade.POST("/postbox", admin, s.createPostbox)
	trade.POST("/confirm", admin, s.confirmTrade)
	trade.POST("/cancel", admin, s.cancelTrade)
	trade.POST("/mediation", admin, s.requestMediation)

	g.POST("/postbox/open", s.openPostbox)
	g.POST("/postbox/accept", admin, s.acceptPostbox)
}

// -----------------------------------------------------------------------------
// Trusted agents
// -----------------------------------------------------------------------------

func (s *Server) listTrustedAgents(c *gin.Context) {
	agents, err := s.client.GetTrustedAgents(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type trustedAgentRequest struct {
	PubKey string `json:"pubkey"`
}

func (s *Server) addTrustedAgent(c *gin.Context) {
	var req trustedAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if errs := validation.Validate(
		validation.Required("pubkey", req.PubKey),
		validation.ValidPubKey("pubkey", req.PubKey),
	); errs != nil {
		respondError(c, errs)
		return
	}
	if err := s.client.AddTrustedAgent(c.Request.Context(), req.PubKey); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pubkey": req.PubKey})
}

func (s *Server) deleteTrustedAgent(c *gin.Context) {
	if err := s.client.DeleteTrustedAgent(c.Request.Context(), c.Param("pubkey")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAgentInfos(c *gin.Context) {
	infos := s.client.AgentInfos()
	c.JSON(http.StatusOK, gin.H{"agents": infos, "count": len(infos)})
}

func (s *Server) getAgentInfo(c *gin.Context) {
	info, ok := s.client.AgentInfo(c.Param("pubkey"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent_not_found", "message": "no announcements seen from this agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": info})
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

func (s *Server) listClientTrades(c *gin.Context) {
	cursor, limit, ok := pageQuery(c)
	if !ok {
		return
	}
	trades, err := s.client.Trades(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondTradePage(c, trades, cursor, limit, func(t *client.Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
}

func (s *Server) getClientTrade(c *gin.Context) {
	t, err := s.client.Trade(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

type createTradeRequest struct {
	AgentPubKey string                 `json:"agent_pubkey"`
	Contract    contract.TradeContract `json:"contract"`
	Direction   escrow.Direction       `json:"payment_direction"`
}

// createTrade registers a trade with the chosen agent, pays the maker's
// share and stores the trade.
func (s *Server) createTrade(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	req.Contract.Title = validation.SanitizeString(req.Contract.Title, contract.MaxTitleLen)
	req.Contract.Terms = validation.SanitizeString(req.Contract.Terms, contract.MaxTermsLen)
	if errs := validation.Validate(
		validation.Required("agent_pubkey", req.AgentPubKey),
		validation.ValidPubKey("agent_pubkey", req.AgentPubKey),
		validation.Required("contract.title", req.Contract.Title),
		validation.PositiveAmount("contract.trade_amount_sat", req.Contract.TradeAmountSat),
		validation.OneOf("payment_direction", string(req.Direction),
			string(escrow.DirectionSending), string(escrow.DirectionReceiving)),
	); errs != nil {
		respondError(c, errs)
		return
	}

	ctx := c.Request.Context()
	draft, err := s.client.RequestRegisterEscrow(ctx, req.AgentPubKey, req.Contract, req.Direction)
	if err != nil {
		respondError(c, err)
		return
	}
	ctx = logging.WithTradeID(ctx, draft.ID)
	if err := s.fundAndSave(ctx, draft); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": draft})
}

func (s *Server) fundAndSave(ctx context.Context, t *client.Trade) error {
	if err := s.client.FundTrade(ctx, t); err != nil {
		logging.L(ctx).Warn("funding failed, trade not saved", "error", err)
		return err
	}
	return s.client.SaveNewTrade(ctx, t)
}

func (s *Server) createPostbox(c *gin.Context) {
	token, err := s.client.CreatePostbox(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade_id": c.Param("id"), "token": token})
}

func (s *Server) confirmTrade(c *gin.Context) {
	s.tradeAction(c, s.client.ConfirmTrade)
}

func (s *Server) cancelTrade(c *gin.Context) {
	s.tradeAction(c, s.client.CancelTrade)
}

type mediationRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) requestMediation(c *gin.Context) {
	var req mediationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	reason := validation.SanitizeString(req.Reason, escrow.MaxReasonLen)
	s.tradeAction(c, func(ctx context.Context, id string) (*client.Trade, error) {
		return s.client.RequestMediation(ctx, id, reason)
	})
}

func (s *Server) tradeAction(c *gin.Context, action func(context.Context, string) (*client.Trade, error)) {
	id := c.Param("id")
	t, err := action(logging.WithTradeID(c.Request.Context(), id), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// -----------------------------------------------------------------------------
// Postbox
// -----------------------------------------------------------------------------

type postboxRequest struct {
	Token string `json:"token"`
}

func (s *Server) bindPostbox(c *gin.Context) (*client.Trade, bool) {
	var req postboxRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badRequest(c, "token is required")
		return nil, false
	}
	draft, err := s.client.CreateTradeFromPostbox(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return draft, true
}

// openPostbox shows the offer behind a token without accepting it.
func (s *Server) openPostbox(c *gin.Context) {
	draft, ok := s.bindPostbox(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trade":         draft,
		"funding_sat":   draft.FundingAmount(),
		"agent":         s.agentInfoOrNil(draft.AgentPubKey),
		"agent_trusted": s.isTrusted(c.Request.Context(), draft.AgentPubKey),
	})
}

// acceptPostbox opens the token again, accepts the trade with the agent,
// pays the taker's share and stores the trade.
func (s *Server) acceptPostbox(c *gin.Context) {
	draft, ok := s.bindPostbox(c)
	if !ok {
		return
	}
	ctx := logging.WithTradeID(c.Request.Context(), draft.ID)
	t, err := s.client.AcceptEscrow(ctx, draft)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.fundAndSave(ctx, t); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

func (s *Server) agentInfoOrNil(pubkey string) *client.AgentInfo {
	if info, ok := s.client.AgentInfo(pubkey); ok {
		return &info
	}
	return nil
}

func (s *Server) isTrusted(ctx context.Context, pubkey string) bool {
	trusted, err := s.client.GetTrustedAgents(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(trusted, pubkey)
}
